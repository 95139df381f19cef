package trion

import (
	"fmt"
	"log"
)

// adapter models the DMA ring buffer of one board: the firmware writes scan records
// at writeIndex, the CPU reads from readIndex and releases what it has consumed.
type adapter struct {
	buffer         []byte // acquisition buffer: written by the (simulated) DMA, read by the CPU
	length         int    // length (bytes) of the acquisition buffer
	readIndex      int    // read index at which the CPU should start next read
	writeIndex     int    // write index of the DMA engine
	fill           int    // bytes written but not yet released
	maxFill        int    // high-water mark of fill
	thresholdLevel int    // bytes that make up one block
	overflow       bool   // set when the DMA engine overran unreleased data
	verbosity      int    // log level
}

// HardMaxBufSize is the longest ring buffer the simulated adapter accepts.
const HardMaxBufSize = 40 * (1 << 20)

func (a *adapter) allocateRingBuffer(length, threshold int) error {
	switch {
	case length <= 0:
		return fmt.Errorf("adapter.allocateRingBuffer(%d): length must be positive", length)
	case length > HardMaxBufSize:
		return fmt.Errorf("adapter.allocateRingBuffer(%d): length must not exceed hard max of %d", length, HardMaxBufSize)
	case threshold*2 > length:
		return fmt.Errorf("adapter.allocateRingBuffer(%d): threshold (%d) must be at most 50%% of length", length, threshold)
	case threshold <= 0:
		return fmt.Errorf("adapter.allocateRingBuffer(%d): threshold (%d) must be positive", length, threshold)
	}
	a.length = length
	a.thresholdLevel = threshold
	a.buffer = make([]byte, length)
	a.reset()
	return nil
}

// reset empties the ring without freeing it.
func (a *adapter) reset() {
	a.readIndex = 0
	a.writeIndex = 0
	a.fill = 0
	a.maxFill = 0
	a.overflow = false
}

// available returns the number of bytes ready for reading.
func (a *adapter) available() int {
	return a.fill
}

// free returns the number of bytes the DMA engine may write without overrunning.
func (a *adapter) free() int {
	return a.length - a.fill
}

// write stores p at the write index, wrapping at the end of the ring. Writing more
// than is free overruns unreleased data and sets the overflow flag.
func (a *adapter) write(p []byte) {
	if len(p) > a.free() {
		a.overflow = true
	}
	for len(p) > 0 {
		n := copy(a.buffer[a.writeIndex:], p)
		p = p[n:]
		a.writeIndex = (a.writeIndex + n) % a.length
		a.fill += n
	}
	if a.fill > a.length {
		// Overwritten data is lost; the reader now starts at the oldest valid byte.
		a.fill = a.length
		a.readIndex = a.writeIndex
	}
	if a.fill > a.maxFill {
		a.maxFill = a.fill
	}
}

// releaseBytes notifies the adapter that data have been read from the ring buffer
// and can now be overwritten.
func (a *adapter) releaseBytes(bytesRead int) error {
	if bytesRead < 0 || bytesRead > a.fill {
		return fmt.Errorf("adapter.releaseBytes(%d): only %d bytes are available", bytesRead, a.fill)
	}
	if a.verbosity >= 3 {
		log.Printf("adapter.releaseBytes(%d): moving read index from 0x%08x to ", bytesRead, a.readIndex)
	}
	a.readIndex = (a.readIndex + bytesRead) % a.length
	a.fill -= bytesRead
	if a.verbosity >= 3 {
		log.Printf("0x%08x\n", a.readIndex)
	}
	if a.overflow {
		return fmt.Errorf("FAILURE: Ring buffer overflow; verify ring buffer size and I/O contention in the system")
	}
	return nil
}

// inspect logs the state of the adapter.
func (a *adapter) inspect() {
	log.Printf("writeIndex = 0x%08x, readIndex = 0x%08x  available = 0x%08x\n",
		a.writeIndex, a.readIndex, a.fill)
	log.Printf("max filled = 0x%08x, threshold = 0x%08x, overflow=%t\n", a.maxFill, a.thresholdLevel, a.overflow)
}
