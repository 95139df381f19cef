package boardcount

import (
	"errors"
	"fmt"
)

// ContinuityErrorKind says which continuity check failed.
type ContinuityErrorKind int

// Names for the possible values of ContinuityErrorKind
const (
	RecordTooSmall         ContinuityErrorKind = iota + 1 // scan record cannot hold a board counter
	UnexpectedCounterValue                                // board counter does not follow the running total
)

func (k ContinuityErrorKind) String() string {
	switch k {
	case RecordTooSmall:
		return "RecordTooSmall"
	case UnexpectedCounterValue:
		return "UnexpectedCounterValue"
	}
	return fmt.Sprintf("ContinuityErrorKind(%d)", int(k))
}

// Sentinel errors, usable with errors.Is against a *ContinuityError.
var (
	ErrRecordTooSmall      = errors.New("scan record too small for a board counter")
	ErrUnexpectedCounter   = errors.New("unexpected board counter value")
	ErrRecordOutOfRange    = errors.New("record position outside the scan buffer")
	ErrNegativeSampleCount = errors.New("negative sample count")
)

// ContinuityError reports a failed block verification. Expected, Observed and Index
// are set only for UnexpectedCounterValue.
type ContinuityError struct {
	Kind     ContinuityErrorKind
	Board    int
	Index    int    // sample index within the block where the mismatch was found
	Expected uint32 // the primary expected value, T+n
	Observed uint32
	Stride   int
}

func (e *ContinuityError) Error() string {
	switch e.Kind {
	case RecordTooSmall:
		return fmt.Sprintf("board %d: scan record of %d bytes cannot hold a board counter", e.Board, e.Stride)
	case UnexpectedCounterValue:
		return fmt.Sprintf("board %d: board counter at sample %d is %d, want %d",
			e.Board, e.Index, e.Observed, e.Expected)
	}
	return fmt.Sprintf("board %d: continuity error %v", e.Board, e.Kind)
}

// Is lets errors.Is match the sentinel for each kind.
func (e *ContinuityError) Is(target error) bool {
	switch target {
	case ErrRecordTooSmall:
		return e.Kind == RecordTooSmall
	case ErrUnexpectedCounter:
		return e.Kind == UnexpectedCounterValue
	}
	return false
}

// BoardCounterState holds the running sample total of one board. Each state must be
// owned by exactly one goroutine while an acquisition runs.
type BoardCounterState struct {
	Board            int
	TotalSamplesSeen uint64 // samples that passed verification since acquisition start
}

// Reset zeroes the running total, as at acquisition start.
func (s *BoardCounterState) Reset() {
	s.TotalSamplesSeen = 0
}

// VerifyAndAdvance checks the board counters of numSamples consecutive records, the
// first of which starts at byte position recordPos of buf. Each counter must equal the
// running total plus its index (modulo 2^32). The value one less is also accepted,
// which absorbs the double 0 that TRION boards emit after an asynchronous counter
// reset at acquisition start ([0, 0, 1, 2, ...]).
//
// The first mismatch stops the check. State advances by numSamples only if every
// record passes.
func (s *BoardCounterState) VerifyAndAdvance(buf *ScanBuffer, recordPos, numSamples int) error {
	if !buf.layoutOK() {
		return &ContinuityError{Kind: RecordTooSmall, Board: s.Board, Stride: buf.Stride}
	}
	if numSamples < 0 {
		return fmt.Errorf("board %d: %w (%d)", s.Board, ErrNegativeSampleCount, numSamples)
	}
	if numSamples == 0 {
		return nil
	}
	if recordPos < 0 || recordPos >= buf.Len() {
		return fmt.Errorf("board %d: %w (position %d, length %d)", s.Board, ErrRecordOutOfRange,
			recordPos, buf.Len())
	}

	total := s.TotalSamplesSeen
	pos := buf.wrap(recordPos + buf.CounterOffset)
	for n := 0; n < numSamples; n++ {
		observed := buf.Counter(pos)
		expected := uint32(total + uint64(n))
		corrected := int64(total) + int64(n) - 1
		if corrected == -1 {
			corrected = 0
		}
		if observed != expected && observed != uint32(corrected) {
			return &ContinuityError{Kind: UnexpectedCounterValue, Board: s.Board, Index: n,
				Expected: expected, Observed: observed, Stride: buf.Stride}
		}
		pos = buf.Advance(pos)
	}
	s.TotalSamplesSeen = total + uint64(numSamples)
	return nil
}

// VerifyAndAdvance is the function form of BoardCounterState.VerifyAndAdvance.
func VerifyAndAdvance(state *BoardCounterState, buf *ScanBuffer, recordPos, numSamples int) error {
	return state.VerifyAndAdvance(buf, recordPos, numSamples)
}
