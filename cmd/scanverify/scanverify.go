package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/usnistgov/boardcount"
	"github.com/usnistgov/boardcount/internal/mmap"
)

// options says how to read a ring image.
type options struct {
	stride        int    // bytes per scan record
	counterOffset int    // offset of the board counter in a record (-1 means the last 4 bytes)
	blockSize     int    // records verified per call
	firstCount    uint64 // running total before the first record
	board         int
}

func (o options) scanBuffer(data []byte) *boardcount.ScanBuffer {
	if o.counterOffset < 0 {
		return boardcount.NewScanBuffer(data, o.stride)
	}
	return boardcount.NewScanBufferAt(data, o.stride, o.counterOffset)
}

// verifyImage runs the continuity check over every whole record of data, one block
// at a time. It returns the number of records that passed.
func verifyImage(data []byte, o options) (uint64, error) {
	if o.stride <= 0 || o.blockSize <= 0 {
		return 0, fmt.Errorf("stride=%d and block=%d must be positive", o.stride, o.blockSize)
	}
	buf := o.scanBuffer(data)
	records := buf.Records()
	state := boardcount.BoardCounterState{Board: o.board, TotalSamplesSeen: o.firstCount}
	for first := 0; first < records; first += o.blockSize {
		n := o.blockSize
		if first+n > records {
			n = records - first
		}
		if err := state.VerifyAndAdvance(buf, first*o.stride, n); err != nil {
			return state.TotalSamplesSeen - o.firstCount, err
		}
	}
	return state.TotalSamplesSeen - o.firstCount, nil
}

// dumpRecord prints record number rec of data as rows of 16 hex bytes.
func dumpRecord(w io.Writer, data []byte, o options, rec int) {
	buf := o.scanBuffer(data)
	record := make([]byte, o.stride)
	n := buf.Record(record, rec*o.stride)
	fmt.Fprintf(w, "Record %d at byte %d:\n", rec, rec*o.stride)
	for i := 0; i < n; i += 16 {
		for j := i; j < i+16 && j < n; j++ {
			fmt.Fprintf(w, "%2.2x ", record[j])
		}
		fmt.Fprintln(w)
	}
}

func verify(filename string, o options) error {
	h, err := mmap.Open(filename)
	if err != nil {
		return err
	}
	defer h.Close()

	data := h.Bytes()
	fmt.Printf("Verifying %s: %d bytes, %d records of %d bytes\n", filename, len(data),
		len(data)/o.stride, o.stride)
	good, err := verifyImage(data, o)
	var cerr *boardcount.ContinuityError
	if errors.As(err, &cerr) && cerr.Kind == boardcount.UnexpectedCounterValue {
		dumpRecord(os.Stdout, data, o, int(good)+cerr.Index)
	}
	fmt.Printf("%d records verified\n", good)
	return err
}

func main() {
	stride := flag.Int("stride", 4, "bytes per scan record")
	offset := flag.Int("offset", -1, "offset of the board counter in a record (-1 for the last 4 bytes)")
	block := flag.Int("block", 200, "records per verified block")
	first := flag.Uint64("first", 0, "board counter total before the first record")
	board := flag.Int("board", 0, "board number, for messages")
	flag.Usage = func() {
		fmt.Println("scanverify, a program to check the board counter of a captured scan ring")
		fmt.Println("Usage: scanverify [flags] ringfile")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	o := options{stride: *stride, counterOffset: *offset, blockSize: *block, firstCount: *first, board: *board}
	if err := verify(flag.Arg(0), o); err != nil {
		fmt.Println("verify returned error: ", err)
		os.Exit(1)
	}
}
