package boardcount

import (
	"fmt"
	"io"
	"sync"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// SkewHistory keeps the spread of the most recent sync-skew reports.
type SkewHistory struct {
	mu       sync.Mutex
	spreads  []float64 // ring of the latest spreads
	next     int       // index where the next spread goes
	full     bool      // the ring has wrapped at least once
	reports  uint64    // reports added, including empty ones
	empty    uint64    // reports without any valid board
	last     SyncSkewReport
	worstAll int64 // largest spread ever seen
}

// SkewSummary summarizes a SkewHistory.
type SkewSummary struct {
	Reports     uint64
	Empty       uint64
	Kept        int // spreads held in the history
	LastMin     int32
	LastMax     int32
	LastValid   bool
	MeanSpread  float64 // over the kept spreads
	StdSpread   float64
	WorstSpread float64 // over the kept spreads
	WorstEver   int64
}

// NewSkewHistory returns a history that keeps the latest capacity spreads.
func NewSkewHistory(capacity int) *SkewHistory {
	if capacity < 1 {
		capacity = 1
	}
	return &SkewHistory{spreads: make([]float64, 0, capacity)}
}

// Add folds one report into the history. Reports without valid boards are counted
// but hold no spread.
func (h *SkewHistory) Add(r SyncSkewReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports++
	h.last = r
	spread, ok := r.Spread()
	if !ok {
		h.empty++
		return
	}
	if spread > h.worstAll {
		h.worstAll = spread
	}
	if len(h.spreads) < cap(h.spreads) {
		h.spreads = append(h.spreads, float64(spread))
		return
	}
	h.spreads[h.next] = float64(spread)
	h.next = (h.next + 1) % len(h.spreads)
	h.full = true
}

// Spreads returns the kept spreads, oldest first.
func (h *SkewHistory) Spreads() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ordered()
}

func (h *SkewHistory) ordered() []float64 {
	out := make([]float64, 0, len(h.spreads))
	if h.full {
		out = append(out, h.spreads[h.next:]...)
		out = append(out, h.spreads[:h.next]...)
		return out
	}
	return append(out, h.spreads...)
}

// Summary computes the statistics of the kept spreads.
func (h *SkewHistory) Summary() SkewSummary {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := SkewSummary{
		Reports:   h.reports,
		Empty:     h.empty,
		Kept:      len(h.spreads),
		LastMin:   h.last.Min,
		LastMax:   h.last.Max,
		LastValid: h.last.HasValues(),
		WorstEver: h.worstAll,
	}
	if len(h.spreads) == 0 {
		return s
	}
	s.MeanSpread, s.StdSpread = stat.MeanStdDev(h.spreads, nil)
	if len(h.spreads) == 1 {
		s.StdSpread = 0
	}
	s.WorstSpread = floats.Max(h.spreads)
	return s
}

// WriteNPY writes the kept spreads, oldest first, as a 1-d float64 .npy array.
func (h *SkewHistory) WriteNPY(w io.Writer) error {
	spreads := h.Spreads()
	if err := npyio.Write(w, spreads); err != nil {
		return fmt.Errorf("writing skew history: %w", err)
	}
	return nil
}
