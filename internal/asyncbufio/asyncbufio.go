// Package asyncbufio provides a buffered writer whose Write never blocks: data pass
// through a channel to a goroutine that does the writing, and data that do not fit
// in the channel are dropped and counted.
package asyncbufio

import (
	"bufio"
	"errors"
	"io"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("asyncbufio: writer is closed")

// Writer provides asynchronous writing to an underlying io.Writer.
type Writer struct {
	writer        *bufio.Writer // does the actual writing, only from writeLoop
	datachannel   chan []byte   // data waiting to be written
	flushNow      chan struct{} // asks writeLoop to flush; closed by Close
	flushComplete chan error    // answers flushNow
	flushInterval time.Duration
	closed        atomic.Bool
	dropped       atomic.Int64 // bytes dropped because the channel was full
	written       atomic.Int64 // bytes handed to the underlying writer
	lastErr       atomic.Value // last error from the underlying writer
}

// NewWriter creates a Writer that holds up to channelDepth pending writes and
// flushes w at least every flushInterval.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriter(w),
		datachannel:   make(chan []byte, channelDepth),
		flushNow:      make(chan struct{}),
		flushComplete: make(chan error),
		flushInterval: flushInterval,
	}
	go aw.writeLoop()
	return aw
}

// Write queues a copy of p for writing. It never blocks: if the queue is full, p is
// dropped and io.ErrShortWrite is returned.
func (aw *Writer) Write(p []byte) (int, error) {
	if aw.closed.Load() {
		return 0, ErrClosed
	}
	data := make([]byte, len(p))
	copy(data, p)
	select {
	case aw.datachannel <- data:
		return len(p), nil
	default:
		aw.dropped.Add(int64(len(p)))
		return 0, io.ErrShortWrite
	}
}

// WriteString queues s for writing, like Write.
func (aw *Writer) WriteString(s string) (int, error) {
	return aw.Write([]byte(s))
}

// Dropped returns the number of bytes dropped because the queue was full.
func (aw *Writer) Dropped() int64 {
	return aw.dropped.Load()
}

// Written returns the number of bytes passed to the underlying writer.
func (aw *Writer) Written() int64 {
	return aw.written.Load()
}

// Flush writes everything queued so far to the underlying writer and flushes it.
func (aw *Writer) Flush() error {
	if aw.closed.Load() {
		return ErrClosed
	}
	aw.flushNow <- struct{}{}
	return <-aw.flushComplete
}

// Close flushes remaining data and stops the writing goroutine. Calling Close again
// returns ErrClosed.
func (aw *Writer) Close() error {
	if aw.closed.Swap(true) {
		return ErrClosed
	}
	close(aw.flushNow)
	return <-aw.flushComplete
}

func (aw *Writer) write(data []byte) {
	n, err := aw.writer.Write(data)
	aw.written.Add(int64(n))
	if err != nil {
		aw.lastErr.Store(err)
	}
}

// writeLoop moves data from the channel to the writer until Close.
func (aw *Writer) writeLoop() {
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-aw.datachannel:
			aw.write(data)

		case _, ok := <-aw.flushNow:
			aw.flushComplete <- aw.flush()
			if !ok {
				return
			}

		case <-ticker.C:
			aw.flush()
		}
	}
}

// flush empties the channel, then flushes the underlying writer.
func (aw *Writer) flush() error {
	for {
		select {
		case data := <-aw.datachannel:
			aw.write(data)
		default:
			if err := aw.writer.Flush(); err != nil {
				aw.lastErr.Store(err)
				return err
			}
			if err, ok := aw.lastErr.Load().(error); ok {
				return err
			}
			return nil
		}
	}
}
