package boardcount

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/usnistgov/boardcount/internal/sessiondb"
	"github.com/usnistgov/boardcount/trion"
	"golang.org/x/sync/errgroup"
)

// PollingConfig holds the settings of a sync-skew polling run.
type PollingConfig struct {
	SampleRate    float64 // callbacks per second
	MaxBoards     int     // use at most this many boards (0 means all)
	PrintEvery    int     // log every PrintEvery-th report (0 never)
	ReportDepth   int     // reports buffered between the callback and the consumer
	HistoryLength int     // spreads kept in the skew history
}

// DefaultPollingConfig returns the settings of the channel-polling example.
func DefaultPollingConfig() PollingConfig {
	return PollingConfig{
		SampleRate:    1000,
		MaxBoards:     20,
		PrintEvery:    10,
		ReportDepth:   1024,
		HistoryLength: 3600,
	}
}

// Validate checks the configuration for values the driver cannot use.
func (c *PollingConfig) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("SampleRate=%v, must be positive", c.SampleRate)
	case c.MaxBoards < 0:
		return fmt.Errorf("MaxBoards=%d, must not be negative", c.MaxBoards)
	case c.PrintEvery < 0:
		return fmt.Errorf("PrintEvery=%d, must not be negative", c.PrintEvery)
	case c.ReportDepth < 1:
		return fmt.Errorf("ReportDepth=%d, must be positive", c.ReportDepth)
	case c.HistoryLength < 1:
		return fmt.Errorf("HistoryLength=%d, must be positive", c.HistoryLength)
	}
	return nil
}

// SyncPoller reads the board counter of every valid board on each sample callback
// of the master and reports the spread between boards.
type SyncPoller struct {
	anySource
	config  PollingConfig
	valid   []*BoardInfo
	values  [][]int32    // register buffers, one per valid board
	samples []SyncSample // one per valid board
	reports chan SyncSkewReport
	ticks   atomic.Uint64
	dropped atomic.Uint64
	history *SkewHistory
	skewlog io.Writer
	updates chan<- ClientUpdate
	db      *sessiondb.Connection
	runID   string
}

// NewSyncPoller returns a polling source on drv. Client updates go to updates and
// summaries to db; either may be nil.
func NewSyncPoller(drv trion.Driver, updates chan<- ClientUpdate, db *sessiondb.Connection) *SyncPoller {
	config := DefaultPollingConfig()
	sp := &SyncPoller{updates: updates, db: db, config: config, history: NewSkewHistory(config.HistoryLength)}
	sp.name = "POLLING"
	sp.drv = drv
	return sp
}

// SetConfig stores a new configuration, used by the next Configure.
func (sp *SyncPoller) SetConfig(config PollingConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	if sp.GetState() != Inactive {
		return fmt.Errorf("cannot change the configuration of an active polling source")
	}
	sp.config = config
	return nil
}

// Config returns the current configuration.
func (sp *SyncPoller) Config() PollingConfig {
	return sp.config
}

// SetSkewLog makes the poller write every PrintEvery-th report to w.
func (sp *SyncPoller) SetSkewLog(w io.Writer) {
	sp.skewlog = w
}

// History returns the skew history of the latest run.
func (sp *SyncPoller) History() *SkewHistory {
	sp.sourceStateLock.Lock()
	defer sp.sourceStateLock.Unlock()
	return sp.history
}

// Ticks returns the number of sample callbacks handled in the latest run.
func (sp *SyncPoller) Ticks() uint64 {
	return sp.ticks.Load()
}

// Dropped returns the number of reports lost because the consumer fell behind.
func (sp *SyncPoller) Dropped() uint64 {
	return sp.dropped.Load()
}

// Configure finds the boards, configures every valid one for polling and prepares
// the buffers used by Tick.
func (sp *SyncPoller) Configure() error {
	if state := sp.GetState(); state != Inactive && state != Starting {
		return fmt.Errorf("cannot configure a polling source that's %v", state)
	}
	if err := sp.config.Validate(); err != nil {
		return err
	}
	boards, err := DiscoverBoards(sp.drv, sp.config.MaxBoards)
	if err != nil {
		return err
	}
	for _, b := range boards {
		UpdateLogger.Printf("Found %v", b)
	}
	settings := boardSettings{sampleRate: formatRate(sp.config.SampleRate)}
	var g errgroup.Group
	for _, b := range boards {
		if !b.Valid {
			continue
		}
		g.Go(func() error {
			if err := configureBoard(sp.drv, b, settings); err != nil {
				return err
			}
			nreg, err := sp.drv.Query(b.Index, trion.BoardActSampleValueCount)
			if err := checkError(err); err != nil {
				return fmt.Errorf("board %d register count: %w", b.Index, err)
			}
			b.NumValueRegisters = nreg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var master *BoardInfo
	var valid []*BoardInfo
	for _, b := range boards {
		if !b.Valid {
			continue
		}
		if b.Master {
			master = b
		}
		if _, ok := trion.BoardCounterFromValues(make([]int32, b.NumValueRegisters)); !ok {
			ProblemLogger.Printf("board %d has %d sample registers, an unsupported layout; its counter is ignored",
				b.Index, b.NumValueRegisters)
		}
		valid = append(valid, b)
	}
	sp.values = make([][]int32, len(valid))
	for i, b := range valid {
		sp.values[i] = make([]int32, b.NumValueRegisters)
	}
	sp.samples = make([]SyncSample, len(valid))
	sp.valid = valid

	sp.sourceStateLock.Lock()
	sp.boards = boards
	sp.master = master
	sp.sourceStateLock.Unlock()
	return nil
}

// Tick is the sample callback. It reads the board counter of every valid board,
// aggregates them and hands the report to the consumer goroutine. It neither
// allocates nor blocks; a report that does not fit in the channel is counted as
// dropped.
func (sp *SyncPoller) Tick(board int) {
	for i, b := range sp.valid {
		s := &sp.samples[i]
		s.BoardID = b.Index
		s.Valid = false
		nreg, err := sp.drv.ActValues(b.Index, sp.values[i])
		if err != nil {
			continue
		}
		if v, ok := trion.BoardCounterFromValues(sp.values[i][:nreg]); ok {
			s.CounterValue = v
			s.Valid = true
		}
	}
	report := Aggregate(sp.samples)
	sp.ticks.Add(1)
	select {
	case sp.reports <- report:
	default:
		sp.dropped.Add(1)
	}
}

// Start configures the boards, registers Tick on the master, starts the slaves and
// then the master, and launches the consumer goroutine.
func (sp *SyncPoller) Start() error {
	if err := sp.setStateStarting(); err != nil {
		return err
	}
	if err := sp.Configure(); err != nil {
		sp.setStateInactive()
		return err
	}
	sp.reports = make(chan SyncSkewReport, sp.config.ReportDepth)
	sp.ticks.Store(0)
	sp.dropped.Store(0)
	history := NewSkewHistory(sp.config.HistoryLength)
	sp.sourceStateLock.Lock()
	sp.history = history
	sp.sourceStateLock.Unlock()

	if err := checkError(sp.drv.SetSampleCallback(sp.master.Index, sp.Tick)); err != nil {
		sp.setStateInactive()
		return fmt.Errorf("registering the sample callback on board %d: %w", sp.master.Index, err)
	}
	if err := sp.startBoards(); err != nil {
		sp.setStateInactive()
		return err
	}
	sp.runID = sessiondb.NewID()
	sp.db.RecordRun(&sessiondb.RunMessage{
		ID:         sp.runID,
		Source:     sp.name,
		Boards:     len(sp.valid),
		SampleRate: formatRate(sp.config.SampleRate),
		Start:      time.Now(),
	})
	sp.runDoneActivate()
	go sp.run(sp.abortSelf, sp.reports, history)
	return nil
}

// run folds reports into the history until Stop.
func (sp *SyncPoller) run(abort <-chan struct{}, reports <-chan SyncSkewReport, history *SkewHistory) {
	defer sp.runDoneDeactivate()
	defer sp.shutdown(history)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var n int
	for {
		select {
		case <-abort:
			return
		case r := <-reports:
			history.Add(r)
			n++
			if sp.config.PrintEvery > 0 && n%sp.config.PrintEvery == 0 {
				sp.logReport(r)
			}
		case <-ticker.C:
			sp.publish("SKEW", history.Summary())
		}
	}
}

func (sp *SyncPoller) logReport(r SyncSkewReport) {
	if sp.skewlog == nil {
		return
	}
	if r.HasValues() {
		fmt.Fprintf(sp.skewlog, "New sample from %d board: count min = %d, max = %d\n", r.Count, r.Min, r.Max)
	} else {
		fmt.Fprintf(sp.skewlog, "New sample from 0 board\n")
	}
}

func (sp *SyncPoller) publish(tag string, state interface{}) {
	if sp.updates != nil {
		sp.updates <- ClientUpdate{Tag: tag, State: state}
	}
}

// shutdown stops the boards, removes the callback and records the summary.
func (sp *SyncPoller) shutdown(history *SkewHistory) {
	sp.stopBoards(sp.valid)
	if err := checkError(sp.drv.SetSampleCallback(sp.master.Index, nil)); err != nil {
		ProblemLogger.Printf("removing the sample callback: %v", err)
	}
	if err := checkError(sp.drv.Command(0, trion.CloseBoardAll, 0)); err != nil {
		ProblemLogger.Printf("closing boards: %v", err)
	}
	summary := history.Summary()
	if sp.Dropped() > 0 {
		ProblemLogger.Printf("polling source dropped %d of %d reports", sp.Dropped(), sp.Ticks())
	}
	sp.db.RecordSkew(&sessiondb.SkewMessage{
		RunID:       sp.runID,
		Reports:     int(summary.Reports),
		Dropped:     sp.Dropped(),
		MeanSpread:  summary.MeanSpread,
		StdSpread:   summary.StdSpread,
		WorstSpread: summary.WorstSpread,
		Time:        time.Now(),
	})
	sp.publish("SKEW", summary)
}
