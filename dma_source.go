package boardcount

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/usnistgov/boardcount/internal/sessiondb"
	"github.com/usnistgov/boardcount/trion"
	"golang.org/x/sync/errgroup"
)

// DMASourceConfig holds the settings of a DMA continuity run.
type DMASourceConfig struct {
	SampleRate        float64 // samples per second on every board
	BlockSize         int     // samples per DMA block
	BlockCount        int     // blocks in each board's ring
	MaxBoards         int     // use at most this many boards (0 means all)
	ThreadAffinity    int     // CPU mask for the driver's configuration threads (0 leaves threading off)
	MaxIterations     int     // stop after this many passes over the boards (0 runs until Stop)
	HeartbeatEvery    int     // passes between heartbeats (0 means 1000)
	ShouldAutoRestart bool
}

// DefaultDMASourceConfig returns the settings of the low-interrupt DMA transfer.
func DefaultDMASourceConfig() DMASourceConfig {
	return DMASourceConfig{
		SampleRate:     200000,
		BlockSize:      200,
		BlockCount:     3,
		MaxBoards:      13,
		ThreadAffinity: 0x70,
		HeartbeatEvery: 10000,
	}
}

// Validate checks the configuration for values the driver cannot use.
func (c *DMASourceConfig) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("SampleRate=%v, must be positive", c.SampleRate)
	case c.BlockSize <= 0:
		return fmt.Errorf("BlockSize=%d, must be positive", c.BlockSize)
	case c.BlockCount < 2:
		return fmt.Errorf("BlockCount=%d, must be at least 2", c.BlockCount)
	case c.MaxBoards < 0:
		return fmt.Errorf("MaxBoards=%d, must not be negative", c.MaxBoards)
	case c.MaxIterations < 0:
		return fmt.Errorf("MaxIterations=%d, must not be negative", c.MaxIterations)
	case c.HeartbeatEvery < 0:
		return fmt.Errorf("HeartbeatEvery=%d, must not be negative", c.HeartbeatEvery)
	}
	return nil
}

func formatRate(rate float64) string {
	return strconv.FormatFloat(rate, 'f', -1, 64)
}

// Heartbeat is the periodic progress report of a running source.
type Heartbeat struct {
	Source     string
	Running    bool
	Iterations int
	Samples    uint64 // samples verified on all boards since start
	Blocks     int    // blocks verified since the previous heartbeat
	Bytes      int    // bytes verified since the previous heartbeat
	Seconds    float64
}

// ContinuityReport describes the failure that ended a DMA run.
type ContinuityReport struct {
	Board    int
	Samples  uint64 // samples verified on the board before the failing block
	Index    int
	Expected uint32
	Observed uint32
	Message  string
}

// DMASource streams every valid board's DMA ring and verifies the board counter of
// each scan record, stopping at the first gap.
type DMASource struct {
	anySource
	config   DMASourceConfig
	buffers  []*ScanBuffer
	states   []BoardCounterState
	stateMu  sync.Mutex // guards states
	errs     chan error
	updates  chan<- ClientUpdate
	db       *sessiondb.Connection
	runEntry *sessiondb.RunMessage
}

// NewDMASource returns a DMA source on drv. Client updates go to updates and
// failures to db; either may be nil.
func NewDMASource(drv trion.Driver, updates chan<- ClientUpdate, db *sessiondb.Connection) *DMASource {
	ds := &DMASource{updates: updates, db: db, config: DefaultDMASourceConfig()}
	ds.name = "DMA"
	ds.drv = drv
	return ds
}

// SetConfig stores a new configuration, used by the next Configure.
func (ds *DMASource) SetConfig(config DMASourceConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	if ds.GetState() != Inactive {
		return fmt.Errorf("cannot change the configuration of an active DMA source")
	}
	ds.config = config
	return nil
}

// Config returns the current configuration.
func (ds *DMASource) Config() DMASourceConfig {
	return ds.config
}

// ShouldAutoRestart is true if the source should be restarted after an error.
func (ds *DMASource) ShouldAutoRestart() bool {
	return ds.config.ShouldAutoRestart
}

// Configure finds the boards and configures every valid one for DMA acquisition.
func (ds *DMASource) Configure() error {
	if state := ds.GetState(); state != Inactive && state != Starting {
		return fmt.Errorf("cannot configure a DMA source that's %v", state)
	}
	if err := ds.config.Validate(); err != nil {
		return err
	}
	if ds.config.ThreadAffinity != 0 {
		// Let the driver configure several boards in parallel.
		if err := checkError(ds.drv.SetParamStr("driver/api/config/thread", "enabled", "true")); err != nil {
			return err
		}
		if err := checkError(ds.drv.SetParamStr("driver/api/config/thread", "affinity",
			strconv.Itoa(ds.config.ThreadAffinity))); err != nil {
			return err
		}
	}
	boards, err := DiscoverBoards(ds.drv, ds.config.MaxBoards)
	if err != nil {
		return err
	}
	for _, b := range boards {
		UpdateLogger.Printf("Found %v", b)
	}

	settings := boardSettings{
		sampleRate: formatRate(ds.config.SampleRate),
		dma:        true,
		blockSize:  ds.config.BlockSize,
		blockCount: ds.config.BlockCount,
	}
	var g errgroup.Group
	for _, b := range boards {
		if !b.Valid {
			continue
		}
		g.Go(func() error { return configureBoard(ds.drv, b, settings) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var master *BoardInfo
	var buffers []*ScanBuffer
	var states []BoardCounterState
	for _, b := range boards {
		if !b.Valid {
			continue
		}
		if b.Master {
			master = b
		}
		info, err := ds.drv.Buffer(b.Index)
		if err != nil {
			return fmt.Errorf("board %d buffer: %w", b.Index, err)
		}
		buffers = append(buffers, NewScanBuffer(info.Data, info.ScanSize))
		states = append(states, BoardCounterState{Board: b.Index})
	}

	ds.sourceStateLock.Lock()
	ds.boards = boards
	ds.master = master
	ds.sourceStateLock.Unlock()
	ds.buffers = buffers
	ds.stateMu.Lock()
	ds.states = states
	ds.stateMu.Unlock()
	return nil
}

// Start configures the boards, starts the slaves and then the master, and launches
// the acquisition goroutine.
func (ds *DMASource) Start() error {
	if err := ds.setStateStarting(); err != nil {
		return err
	}
	if err := ds.Configure(); err != nil {
		ds.setStateInactive()
		return err
	}
	if err := ds.startBoards(); err != nil {
		ds.setStateInactive()
		return err
	}
	errs := make(chan error, 1)
	ds.sourceStateLock.Lock()
	ds.errs = errs
	ds.sourceStateLock.Unlock()
	ds.runEntry = &sessiondb.RunMessage{
		ID:         sessiondb.NewID(),
		Source:     ds.name,
		Boards:     len(ds.buffers),
		SampleRate: formatRate(ds.config.SampleRate),
		Start:      time.Now(),
	}
	ds.db.RecordRun(ds.runEntry)

	ds.runDoneActivate()
	go ds.run(errs)
	return nil
}

// Errors returns the channel that carries the error ending the current run. It is
// closed when the run ends.
func (ds *DMASource) Errors() <-chan error {
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	return ds.errs
}

// States returns a copy of each valid board's counter state.
func (ds *DMASource) States() []BoardCounterState {
	ds.stateMu.Lock()
	defer ds.stateMu.Unlock()
	states := make([]BoardCounterState, len(ds.states))
	copy(states, ds.states)
	return states
}

func (ds *DMASource) publish(tag string, state interface{}) {
	if ds.updates != nil {
		ds.updates <- ClientUpdate{Tag: tag, State: state}
	}
}

// run is the acquisition loop. It owns the board counter states until it returns.
func (ds *DMASource) run(errs chan<- error) {
	defer close(errs)
	defer ds.runDoneDeactivate()
	valid := ds.validBoards()
	defer ds.shutdown(valid)

	every := ds.config.HeartbeatEvery
	if every == 0 {
		every = 1000
	}
	start := time.Now()
	var total uint64
	var blocks, bytes int
	for iter := 0; ds.config.MaxIterations == 0 || iter < ds.config.MaxIterations; iter++ {
		if ds.aborted() {
			return
		}
		for i, b := range valid {
			n, err := ds.verifyNext(i, b)
			if err != nil {
				ds.fail(i, err, errs)
				return
			}
			total += uint64(n)
			blocks += (n + ds.config.BlockSize - 1) / ds.config.BlockSize
			bytes += n * ds.buffers[i].Stride
		}
		if (iter+1)%every == 0 {
			ds.publish("HEARTBEAT", Heartbeat{Source: ds.name, Running: true, Iterations: iter + 1,
				Samples: total, Blocks: blocks, Bytes: bytes, Seconds: time.Since(start).Seconds()})
			blocks, bytes = 0, 0
		}
	}
}

// verifyNext waits for the next data on board number i, verifies it and frees it.
// It returns the number of samples verified.
func (ds *DMASource) verifyNext(i int, b *BoardInfo) (int, error) {
	avail, err := ds.drv.Query(b.Index, trion.BufferWaitAvailNoSample)
	if err := checkError(err); err != nil {
		return 0, fmt.Errorf("board %d wait: %w", b.Index, err)
	}
	if avail != ds.config.BlockSize {
		ProblemLogger.Printf("Board %d returned %d blocks, not real-time?", b.Index, avail/ds.config.BlockSize)
	}
	pos, err := ds.drv.Query(b.Index, trion.BufferActSamplePos)
	if err := checkError(err); err != nil {
		return 0, fmt.Errorf("board %d position: %w", b.Index, err)
	}

	ds.stateMu.Lock()
	state := ds.states[i]
	ds.stateMu.Unlock()
	if err := state.VerifyAndAdvance(ds.buffers[i], pos, avail); err != nil {
		return 0, err
	}
	if err := checkError(ds.drv.Command(b.Index, trion.BufferFreeNoSample, avail)); err != nil {
		return 0, fmt.Errorf("board %d free: %w", b.Index, err)
	}
	ds.stateMu.Lock()
	ds.states[i] = state
	ds.stateMu.Unlock()
	return avail, nil
}

// fail reports the error that ends the run.
func (ds *DMASource) fail(i int, err error, errs chan<- error) {
	ProblemLogger.Printf("DMA source stopping: %v", err)
	report := ContinuityReport{Message: err.Error()}
	var cerr *ContinuityError
	if errors.As(err, &cerr) {
		report.Board = cerr.Board
		report.Index = cerr.Index
		report.Expected = cerr.Expected
		report.Observed = cerr.Observed
		ds.stateMu.Lock()
		report.Samples = ds.states[i].TotalSamplesSeen
		ds.stateMu.Unlock()
		msg := &sessiondb.ContinuityMessage{
			Board: report.Board, Sample: report.Samples, Index: report.Index,
			Expected: report.Expected, Observed: report.Observed, Time: time.Now(),
		}
		if ds.runEntry != nil {
			msg.RunID = ds.runEntry.ID
		}
		ds.db.RecordContinuityFailure(msg)
	}
	ds.publish("CONTINUITY", report)
	select {
	case errs <- err:
	default:
	}
}

// shutdown stops and closes the boards after the loop ends.
func (ds *DMASource) shutdown(valid []*BoardInfo) {
	ds.stopBoards(valid)
	if err := checkError(ds.drv.Command(0, trion.CloseBoardAll, 0)); err != nil {
		ProblemLogger.Printf("closing boards: %v", err)
	}
	ds.db.FinishRun(ds.runEntry)
	var total uint64
	for _, s := range ds.States() {
		total += s.TotalSamplesSeen
	}
	ds.publish("HEARTBEAT", Heartbeat{Source: ds.name, Running: false, Samples: total})
}
