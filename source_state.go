package boardcount

import (
	"fmt"
	"log"
	"sync"

	"github.com/usnistgov/boardcount/trion"
)

// SourceState is used to indicate the active/inactive/transition state of acquisition sources
type SourceState int

// Names for the possible values of SourceState
const (
	Inactive SourceState = iota // Source is not active
	Starting                    // Source is in transition to Active state
	Active                      // Source is actively acquiring data
	Stopping                    // Source is in transition to Inactive state
)

var sourceStateNames = []string{"Inactive", "Starting", "Active", "Stopping"}

func (s SourceState) String() string {
	if s >= 0 && int(s) < len(sourceStateNames) {
		return sourceStateNames[s]
	}
	return fmt.Sprintf("SourceState(%d)", int(s))
}

// Source is the interface for the DMA and polling acquisition sources.
type Source interface {
	Configure() error
	Start() error
	Stop() error
	GetState() SourceState
	Boards() []*BoardInfo
}

// anySource implements features common to both sources: the driver, the board
// table, the run state and the abort channel.
type anySource struct {
	name            string
	drv             trion.Driver
	boards          []*BoardInfo
	master          *BoardInfo
	sourceState     SourceState
	sourceStateLock sync.Mutex // guards sourceState
	abortSelf       chan struct{}
	runDone         sync.WaitGroup
}

// GetState returns the sourceState value in a race-free fashion
func (as *anySource) GetState() SourceState {
	as.sourceStateLock.Lock()
	defer as.sourceStateLock.Unlock()
	return as.sourceState
}

// Boards returns the board table found by the last Configure.
func (as *anySource) Boards() []*BoardInfo {
	as.sourceStateLock.Lock()
	defer as.sourceStateLock.Unlock()
	return as.boards
}

// setStateStarting sets the sourceState value to Starting in a race-free fashion
func (as *anySource) setStateStarting() error {
	as.sourceStateLock.Lock()
	defer as.sourceStateLock.Unlock()
	if as.sourceState == Inactive {
		as.sourceState = Starting
		return nil
	}
	return fmt.Errorf("cannot Start() a %s source that's %v, not Inactive", as.name, as.sourceState)
}

// setStateInactive sets the sourceState value to Inactive in a race-free fashion
func (as *anySource) setStateInactive() {
	as.sourceStateLock.Lock()
	defer as.sourceStateLock.Unlock()
	as.sourceState = Inactive
}

// runDoneActivate marks the source Active; the run goroutine calls runDoneDeactivate when it returns.
func (as *anySource) runDoneActivate() {
	as.sourceStateLock.Lock()
	defer as.sourceStateLock.Unlock()
	as.sourceState = Active
	as.abortSelf = make(chan struct{})
	as.runDone.Add(1)
}

func (as *anySource) runDoneDeactivate() {
	as.sourceStateLock.Lock()
	as.sourceState = Inactive
	as.runDone.Done()
	as.sourceStateLock.Unlock()
}

// Stop tells the source to stop acquiring and waits until it has.
func (as *anySource) Stop() error {
	as.sourceStateLock.Lock()
	switch as.sourceState {
	case Inactive:
		as.sourceStateLock.Unlock()
		return fmt.Errorf("%s source not active, cannot stop", as.name)

	case Starting:
		as.sourceStateLock.Unlock()
		return fmt.Errorf("%s source is starting, cannot stop yet", as.name)

	case Stopping:
		// Ignore Stop if source is already Stopping.
		as.sourceStateLock.Unlock()
		return nil
	}
	log.Printf("%s source Stop() was called to stop an active source", as.name)
	as.sourceState = Stopping
	closeIfOpen(as.abortSelf)
	as.sourceStateLock.Unlock()

	as.runDone.Wait()
	return nil
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
		log.Println("warning: tried to close a channel twice")
	default:
		close(c)
	}
}

// aborted reports whether Stop has been requested.
func (as *anySource) aborted() bool {
	select {
	case <-as.abortSelf:
		return true
	default:
		return false
	}
}

// validBoards returns the boards that take part in the acquisition.
func (as *anySource) validBoards() []*BoardInfo {
	var valid []*BoardInfo
	for _, b := range as.boards {
		if b.Valid {
			valid = append(valid, b)
		}
	}
	return valid
}

// startBoards starts every slave board, then the master, so that the slaves are
// waiting for the master's trigger.
func (as *anySource) startBoards() error {
	var started []*BoardInfo
	for _, b := range as.validBoards() {
		if b.Master {
			continue
		}
		if err := checkError(as.drv.Command(b.Index, trion.StartAcquisition, 0)); err != nil {
			as.stopBoards(started)
			return fmt.Errorf("starting slave board %d: %w", b.Index, err)
		}
		started = append(started, b)
	}
	if err := checkError(as.drv.Command(as.master.Index, trion.StartAcquisition, 0)); err != nil {
		as.stopBoards(started)
		return fmt.Errorf("starting master board %d: %w", as.master.Index, err)
	}
	return nil
}

// stopBoards stops the given boards, logging but otherwise ignoring failures.
func (as *anySource) stopBoards(boards []*BoardInfo) {
	for _, b := range boards {
		if err := checkError(as.drv.Command(b.Index, trion.StopAcquisition, 0)); err != nil {
			ProblemLogger.Printf("stopping board %d: %v", b.Index, err)
		}
	}
}
