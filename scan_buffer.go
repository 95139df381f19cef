package boardcount

import (
	"encoding/binary"
	"fmt"
)

// counterSize is the size in bytes of the hardware board counter.
const counterSize = 4

// ScanBuffer describes a ring buffer of fixed-stride scan records, as filled by the
// DMA engine of one board. Positions are byte offsets into Data: the ring starts at 0
// and ends (exclusive) at len(Data).
type ScanBuffer struct {
	Data          []byte // the ring; owned by the hardware-access service
	Stride        int    // size of one scan record, in bytes
	CounterOffset int    // offset of the 32-bit board counter inside a record
}

// NewScanBuffer returns a ScanBuffer with the board counter in the last 4 bytes of each
// record. This is the layout produced when the board counter is the last channel
// enabled in the scan descriptor.
func NewScanBuffer(data []byte, stride int) *ScanBuffer {
	return &ScanBuffer{Data: data, Stride: stride, CounterOffset: stride - counterSize}
}

// NewScanBufferAt returns a ScanBuffer whose board counter sits at counterOffset.
func NewScanBufferAt(data []byte, stride, counterOffset int) *ScanBuffer {
	return &ScanBuffer{Data: data, Stride: stride, CounterOffset: counterOffset}
}

// Len returns the length of the ring in bytes (end - base).
func (sb *ScanBuffer) Len() int {
	return len(sb.Data)
}

// Records returns how many whole scan records fit in the ring.
func (sb *ScanBuffer) Records() int {
	if sb.Stride <= 0 {
		return 0
	}
	return len(sb.Data) / sb.Stride
}

// layoutOK reports whether a record can hold the board counter at CounterOffset.
func (sb *ScanBuffer) layoutOK() bool {
	return sb.Stride >= counterSize && sb.CounterOffset >= 0 &&
		sb.CounterOffset+counterSize <= sb.Stride
}

// wrap reduces pos into [0, Len()). It subtracts the ring length as many times
// as needed.
func (sb *ScanBuffer) wrap(pos int) int {
	n := len(sb.Data)
	for pos >= n {
		pos -= n
	}
	return pos
}

// Advance returns the position one record after pos, wrapped into the ring.
func (sb *ScanBuffer) Advance(pos int) int {
	return sb.wrap(pos + sb.Stride)
}

// Counter reads the little-endian 32-bit counter whose first byte is at pos. A counter
// that straddles the end of the ring continues at its start.
func (sb *ScanBuffer) Counter(pos int) uint32 {
	n := len(sb.Data)
	if pos+counterSize <= n {
		return binary.LittleEndian.Uint32(sb.Data[pos : pos+counterSize])
	}
	var word [counterSize]byte
	for i := range word {
		word[i] = sb.Data[sb.wrap(pos+i)]
	}
	return binary.LittleEndian.Uint32(word[:])
}

// Record copies the scan record starting at pos into dst (wrapping as needed) and
// returns the number of bytes copied. It is meant for diagnostics, not the hot path.
func (sb *ScanBuffer) Record(dst []byte, pos int) int {
	n := sb.Stride
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = sb.Data[sb.wrap(pos+i)]
	}
	return n
}

func (sb *ScanBuffer) String() string {
	return fmt.Sprintf("ScanBuffer{len=%d stride=%d counter@%d}", len(sb.Data), sb.Stride, sb.CounterOffset)
}
