package asyncbufio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWrite(t *testing.T) {
	f, err := os.CreateTemp("", "example")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name()) // clean up

	w := NewWriter(f, 100, time.Second)
	var want strings.Builder
	for i := range 100 {
		line := fmt.Sprintf("Line of text %3d\n", i)
		want.WriteString(line)
		w.WriteString(line)
		if i%25 == 19 {
			if err := w.Flush(); err != nil {
				t.Error(err)
			}
		}
	}
	w.Write([]byte("Last line\n"))
	want.WriteString("Last line\n")
	if err := w.Close(); err != nil {
		t.Error(err)
	}
	f.Close()

	got, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != want.String() {
		t.Errorf("file contents differ:\n%s\nwant:\n%s", got, want.String())
	}
	if w.Written() != int64(want.Len()) {
		t.Errorf("Written() = %d, want %d", w.Written(), want.Len())
	}
	if err := w.Flush(); !errors.Is(err, ErrClosed) {
		t.Errorf("Flush() after Close() returned %v, want ErrClosed", err)
	}
	if _, err := w.Write([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("Write() after Close() returned %v, want ErrClosed", err)
	}
}

func TestCloseTwice(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 100, time.Second)
	if err := w.Close(); err != nil {
		t.Error(err)
	}
	if err := w.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close() returned %v, want ErrClosed", err)
	}
}

func TestWriteCopiesData(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 10, time.Second)
	p := []byte("abc")
	w.Write(p)
	copy(p, "xyz")
	w.Close()
	if buf.String() != "abc" {
		t.Errorf("wrote %q, want %q", buf.String(), "abc")
	}
}

// blockingWriter blocks every Write until release is closed.
type blockingWriter struct {
	release chan struct{}
	mu      sync.Mutex
	buf     bytes.Buffer
}

func (b *blockingWriter) Write(p []byte) (int, error) {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func TestWriteNeverBlocks(t *testing.T) {
	bw := &blockingWriter{release: make(chan struct{})}
	// A zero-size bufio buffer is not allowed, so the writer fills its 4096-byte
	// buffer before it touches bw; write big chunks to get there.
	w := NewWriter(bw, 2, time.Hour)
	chunk := bytes.Repeat([]byte("x"), 8192)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			w.Write(chunk)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Write blocked on a stalled writer")
	}
	if w.Dropped() == 0 {
		t.Error("Dropped() = 0 after overfilling the queue")
	}
	close(bw.release)
	w.Close()
	if got := int64(bw.buf.Len()) + w.Dropped(); got != 10*8192 {
		t.Errorf("written+dropped = %d bytes, want %d", got, 10*8192)
	}
}

func TestFlushReportsError(t *testing.T) {
	w := NewWriter(failingWriter{}, 10, time.Hour)
	w.WriteString("data")
	if err := w.Flush(); err == nil {
		t.Error("Flush() to a failing writer returned nil")
	}
	w.Close()
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }
