package sessiondb

import "time"

// The composite types used for messages to the ClickHouse database.

// SessionMessage is the information for the sessions table: one row per program run.
type SessionMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// RunMessage is the information for the runs table: one row per acquisition run.
type RunMessage struct {
	ID         string
	SessionID  string
	Source     string // "DMA" or "POLLING"
	Boards     int
	SampleRate string
	Start      time.Time
	End        time.Time
}

// ContinuityMessage records a board-counter mismatch seen by a DMA run.
type ContinuityMessage struct {
	RunID    string
	Board    int
	Sample   uint64 // samples verified on this board before the failing block
	Index    int    // offset of the failing record within the block
	Expected uint32
	Observed uint32
	Time     time.Time
}

// SkewMessage records a summary of the sync skew seen by a polling run.
type SkewMessage struct {
	RunID       string
	Reports     int
	Dropped     uint64
	MeanSpread  float64
	StdSpread   float64
	WorstSpread float64
	Time        time.Time
}
