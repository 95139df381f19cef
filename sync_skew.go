package boardcount

// SyncSample is one board's counter reading taken at a synchronized sample tick.
type SyncSample struct {
	BoardID      int
	CounterValue int32 // as delivered by the hardware
	Valid        bool  // whether this board takes part in the comparison
}

// SyncSkewReport summarizes the board counters read at one tick. Min and Max are
// meaningful only when Count > 0.
type SyncSkewReport struct {
	Count int
	Min   int32
	Max   int32
}

// HasValues reports whether any valid sample contributed to the report.
func (r SyncSkewReport) HasValues() bool {
	return r.Count > 0
}

// Spread returns Max-Min, the distance between the fastest and slowest board.
// Boards sharing a clock report 0. The second value is false for an empty report.
func (r SyncSkewReport) Spread() (int64, bool) {
	if r.Count == 0 {
		return 0, false
	}
	return int64(r.Max) - int64(r.Min), true
}

// Aggregate computes the minimum and maximum counter over the valid samples.
// It does not allocate, so it may run inside the per-sample callback.
func Aggregate(samples []SyncSample) SyncSkewReport {
	var r SyncSkewReport
	for i := range samples {
		s := &samples[i]
		if !s.Valid {
			continue
		}
		if r.Count == 0 || s.CounterValue < r.Min {
			r.Min = s.CounterValue
		}
		if r.Count == 0 || s.CounterValue > r.Max {
			r.Max = s.CounterValue
		}
		r.Count++
	}
	return r
}
