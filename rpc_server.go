package boardcount

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"github.com/usnistgov/boardcount/internal/sessiondb"
	"github.com/usnistgov/boardcount/trion"
)

// SourceControl is the sub-server that handles configuration and operation of
// the DMA and polling sources.
type SourceControl struct {
	drv          trion.Driver
	dma          *DMASource
	polling      *SyncPoller
	activeSource Source
	lastSource   Source // the source configured or started most recently

	status        ServerStatus
	clientUpdates chan<- ClientUpdate
	mu            sync.Mutex // serializes RPC calls that change the sources
}

// ServerStatus the status that SourceControl reports to clients.
type ServerStatus struct {
	Running       bool
	SourceName    string
	Nboards       int
	DriverVersion string
	DriverDate    string
}

// NewSourceControl returns a SourceControl whose sources use drv. Updates go to
// clientUpdates, which must be drained; rows go to db, which may be nil.
func NewSourceControl(drv trion.Driver, clientUpdates chan<- ClientUpdate, db *sessiondb.Connection) *SourceControl {
	return &SourceControl{
		drv:           drv,
		dma:           NewDMASource(drv, clientUpdates, db),
		polling:       NewSyncPoller(drv, clientUpdates, db),
		clientUpdates: clientUpdates,
	}
}

// SetSkewLog makes the polling source log its reports to w.
func (s *SourceControl) SetSkewLog(w io.Writer) {
	s.polling.SetSkewLog(w)
}

// ConfigureDMA configures the DMA source and its boards.
func (s *SourceControl) ConfigureDMA(args *DMASourceConfig, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Printf("ConfigureDMA: rate=%v, %d blocks of %d samples\n", args.SampleRate, args.BlockCount, args.BlockSize)
	if s.activeSource != nil {
		return fmt.Errorf("cannot configure while the %s source is active", s.status.SourceName)
	}
	err := s.dma.SetConfig(*args)
	if err == nil {
		err = s.dma.Configure()
	}
	*reply = (err == nil)
	if err != nil {
		return err
	}
	s.lastSource = s.dma
	viper.Set("dma", *args)
	s.saveConfig()
	s.broadcastBoards()
	return nil
}

// ConfigurePolling configures the polling source and its boards.
func (s *SourceControl) ConfigurePolling(args *PollingConfig, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Printf("ConfigurePolling: rate=%v\n", args.SampleRate)
	if s.activeSource != nil {
		return fmt.Errorf("cannot configure while the %s source is active", s.status.SourceName)
	}
	err := s.polling.SetConfig(*args)
	if err == nil {
		err = s.polling.Configure()
	}
	*reply = (err == nil)
	if err != nil {
		return err
	}
	s.lastSource = s.polling
	viper.Set("polling", *args)
	s.saveConfig()
	s.broadcastBoards()
	return nil
}

func (s *SourceControl) saveConfig() {
	if viper.ConfigFileUsed() == "" {
		return
	}
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Printf("saving configuration: %v", err)
	}
}

// Start will identify the source given by sourceName ("DMA" or "POLLING") and start it.
func (s *SourceControl) Start(sourceName *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.start(*sourceName); err != nil {
		return err
	}
	*reply = true
	return nil
}

// start does the work of Start. Caller must hold s.mu.
func (s *SourceControl) start(sourceName string) error {
	if s.activeSource != nil {
		return fmt.Errorf("activeSource is not nil, want nil (you should call Stop)")
	}
	var source Source
	name := strings.ToUpper(sourceName)
	switch name {
	case "DMA":
		source = s.dma
	case "POLLING":
		source = s.polling
	default:
		return fmt.Errorf("source \"%s\" is not recognized", sourceName)
	}

	log.Printf("Starting source named %s\n", name)
	if err := source.Start(); err != nil {
		return err
	}
	s.activeSource = source
	s.lastSource = source
	s.status.Running = true
	s.status.SourceName = name
	s.status.Nboards = len(source.Boards())
	if version, date, err := DriverInfo(s.drv); err == nil {
		s.status.DriverVersion, s.status.DriverDate = version, date
	}
	s.broadcastUpdate()
	s.broadcastBoards()
	if source == Source(s.dma) {
		go s.watchDMA(s.dma.Errors())
	}
	return nil
}

// watchDMA waits for a DMA run to end by itself, then clears the active source and
// restarts it if so configured.
func (s *SourceControl) watchDMA(errs <-chan error) {
	var failure error
	for err := range errs {
		failure = err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSource != Source(s.dma) {
		// Stopped through Stop.
		return
	}
	s.activeSource = nil
	s.status.Running = false
	s.broadcastUpdate()
	if failure != nil && s.dma.ShouldAutoRestart() {
		ProblemLogger.Printf("restarting DMA source after: %v", failure)
		if err := s.start("DMA"); err != nil {
			ProblemLogger.Printf("could not restart DMA source: %v", err)
		}
	}
}

// Stop stops the running source, if any
func (s *SourceControl) Stop(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSource == nil {
		return fmt.Errorf("no source is active")
	}
	log.Printf("Stopping source\n")
	source := s.activeSource
	s.activeSource = nil
	if err := source.Stop(); err != nil {
		return err
	}

	s.status.Running = false
	s.broadcastUpdate()
	*reply = true
	return nil
}

// ListBoards returns the boards of the most recently configured source, or
// discovers them if no source was configured yet.
func (s *SourceControl) ListBoards(dummy *string, reply *[]BoardInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var boards []*BoardInfo
	if s.lastSource != nil {
		boards = s.lastSource.Boards()
	} else {
		var err error
		if boards, err = DiscoverBoards(s.drv, 0); err != nil {
			return err
		}
	}
	list := make([]BoardInfo, len(boards))
	for i, b := range boards {
		list[i] = *b
	}
	*reply = list
	return nil
}

// BoardStates returns the board counter state of each board of the DMA source.
func (s *SourceControl) BoardStates(dummy *string, reply *[]BoardCounterState) error {
	*reply = s.dma.States()
	return nil
}

// SkewSummary returns the summary of the polling source's skew history.
func (s *SourceControl) SkewSummary(dummy *string, reply *SkewSummary) error {
	*reply = s.polling.History().Summary()
	return nil
}

// SaveSkewHistory writes the spreads of the polling source's skew history to the
// named file as a .npy array.
func (s *SourceControl) SaveSkewHistory(filename *string, reply *bool) error {
	f, err := os.Create(*filename)
	if err != nil {
		return err
	}
	if err := s.polling.History().WriteNPY(f); err != nil {
		f.Close()
		return fmt.Errorf("writing skew history to %s: %w", *filename, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	*reply = true
	return nil
}

func (s *SourceControl) broadcastUpdate() {
	s.clientUpdates <- ClientUpdate{"STATUS", s.status}
}

func (s *SourceControl) broadcastBoards() {
	if s.lastSource == nil {
		return
	}
	boards := s.lastSource.Boards()
	if viper.GetBool("Verbose") {
		UpdateLogger.Print(DumpBoards(boards))
	}
	list := make([]BoardInfo, len(boards))
	for i, b := range boards {
		list[i] = *b
	}
	s.clientUpdates <- ClientUpdate{"BOARDS", list}
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (s *SourceControl) SendAllStatus(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastUpdate()
	s.broadcastBoards()
	s.clientUpdates <- ClientUpdate{"SKEW", s.polling.History().Summary()}
	*reply = true
	return nil
}

// loadStoredConfigs transfers saved configuration from viper to the sources.
func (s *SourceControl) loadStoredConfigs() {
	log.Printf("boardcount is using config file %s\n", viper.ConfigFileUsed())
	if viper.IsSet("dma") {
		config := DefaultDMASourceConfig()
		if err := viper.UnmarshalKey("dma", &config); err == nil {
			if err := s.dma.SetConfig(config); err != nil {
				ProblemLogger.Printf("stored DMA configuration: %v", err)
			}
		}
	}
	if viper.IsSet("polling") {
		config := DefaultPollingConfig()
		if err := viper.UnmarshalKey("polling", &config); err == nil {
			if err := s.polling.SetConfig(config); err != nil {
				ProblemLogger.Printf("stored polling configuration: %v", err)
			}
		}
	}
}

// RunRPCServer sets up and runs a permanent JSON-RPC server. If block, it will block
// until the listener fails, otherwise it returns once listening.
func RunRPCServer(sourceControl *SourceControl, portrpc int, block bool) error {
	sourceControl.loadStoredConfigs()

	server := rpc.NewServer()
	if err := server.Register(sourceControl); err != nil {
		return err
	}
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}
	serve := func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return fmt.Errorf("accept error: %w", err)
			}
			log.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
	if block {
		return serve()
	}
	go func() {
		if err := serve(); err != nil {
			ProblemLogger.Println(err)
		}
	}()
	return nil
}
