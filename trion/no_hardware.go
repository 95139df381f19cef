package trion

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
)

// BoardSpec describes a simulated board model.
type BoardSpec struct {
	Name      string
	NumAI     int
	NumCNT    int
	NumBCNT   int
	Registers int // sample registers visible through ActValues
}

// Board models known to the simulator.
var (
	ControllerSpec = BoardSpec{Name: "TRION3-CONTROLLER", NumAI: 0, NumCNT: 4, NumBCNT: 1, Registers: ControllerRegisters}
	MultiSpec      = BoardSpec{Name: "TRION3-1820-MULTI-8", NumAI: 8, NumCNT: 2, NumBCNT: 1, Registers: HsMultiRegisters}
	DACCSpec       = BoardSpec{Name: "TRION-2402-dACC", NumAI: 6, NumCNT: 2, NumBCNT: 0, Registers: 10}
)

type drop struct {
	at    uint64 // sample index at which counter values start being skipped
	count uint32 // how many values are skipped
}

type simBoard struct {
	spec       BoardSpec
	isOpen     bool
	committed  bool
	running    bool
	params     map[string]string
	blockSize  int
	blockCount int
	scanSize   int
	nAIUsed    int
	sampleRate float64
	adapter    adapter
	samples    uint64 // samples acquired since start
	doubleZero bool   // emit the counter value 0 twice after start
	drops      []drop
	skew       int32
	startTime  time.Time
	callback   func(int)
}

func (b *simBoard) dmaEnabled() bool {
	return !strings.EqualFold(b.params["AcqProp/DMABuffer0Enabled"], "False")
}

func (b *simBoard) isMaster() bool {
	return strings.EqualFold(b.params["AcqProp/OperationMode"], "Master")
}

// counterValue returns the board counter reported for sample k.
func (b *simBoard) counterValue(k uint64) uint32 {
	base := k
	if b.doubleZero && k > 0 {
		base = k - 1
	}
	v := uint32(base)
	for _, d := range b.drops {
		if k >= d.at {
			v += d.count
		}
	}
	return v
}

// NoHardware is a drop-in replacement for the TRION driver (implements Driver)
// that requires no hardware, for testing.
type NoHardware struct {
	sync.Mutex
	boards      []*simBoard
	initialized bool
	apiConfig   map[string]string
	version     string
	buildDate   string
	realtime    bool // pace DMA blocks at the configured sample rate
	autoTick    bool // drive sample callbacks from a ticker while acquiring
	tickAbort   chan struct{}
	tickDone    chan struct{}
}

// NewNoHardware returns a simulated chassis with one controller and nmulti
// TRION3-1820-MULTI-8 boards.
func NewNoHardware(nmulti int) *NoHardware {
	specs := []BoardSpec{ControllerSpec}
	for i := 0; i < nmulti; i++ {
		specs = append(specs, MultiSpec)
	}
	return NewNoHardwareBoards(specs)
}

// NewNoHardwareBoards returns a simulated chassis holding the given boards, in order.
func NewNoHardwareBoards(specs []BoardSpec) *NoHardware {
	n := &NoHardware{
		apiConfig: make(map[string]string),
		version:   "7.0.0-sim",
		buildDate: "2025-01-01",
		autoTick:  true,
	}
	for _, spec := range specs {
		n.boards = append(n.boards, &simBoard{spec: spec, params: make(map[string]string), doubleZero: true})
	}
	return n
}

// SetRealtime makes BufferWaitAvailNoSample sleep until a block would have been
// acquired at the configured sample rate.
func (n *NoHardware) SetRealtime(realtime bool) {
	n.Lock()
	defer n.Unlock()
	n.realtime = realtime
}

// SetAutoTick selects whether sample callbacks are driven by a ticker (true) or only
// by explicit calls to Tick (false).
func (n *NoHardware) SetAutoTick(auto bool) {
	n.Lock()
	defer n.Unlock()
	n.autoTick = auto
}

// SetDoubleZero selects whether the board repeats counter value 0 after start.
func (n *NoHardware) SetDoubleZero(board int, doubleZero bool) error {
	n.Lock()
	defer n.Unlock()
	b, err := n.board(board, "SetDoubleZero")
	if err != nil {
		return err
	}
	b.doubleZero = doubleZero
	return nil
}

// InjectDrop makes the board skip count counter values starting at sample index at,
// as if samples had been lost.
func (n *NoHardware) InjectDrop(board int, at uint64, count uint32) error {
	n.Lock()
	defer n.Unlock()
	b, err := n.board(board, "InjectDrop")
	if err != nil {
		return err
	}
	b.drops = append(b.drops, drop{at: at, count: count})
	return nil
}

// InjectSkew offsets the board counter seen through ActValues by delta.
func (n *NoHardware) InjectSkew(board int, delta int32) error {
	n.Lock()
	defer n.Unlock()
	b, err := n.board(board, "InjectSkew")
	if err != nil {
		return err
	}
	b.skew = delta
	return nil
}

// board returns board number i. Caller must hold the lock.
func (n *NoHardware) board(i int, op string) (*simBoard, error) {
	if !n.initialized {
		return nil, newError(ErrNotInitialized, i, op, "call Init first")
	}
	if i < 0 || i >= len(n.boards) {
		return nil, newError(ErrInvalidBoard, i, op, "chassis has %d boards", len(n.boards))
	}
	return n.boards[i], nil
}

// openBoard returns board number i, which must be open. Caller must hold the lock.
func (n *NoHardware) openBoard(i int, op string) (*simBoard, error) {
	b, err := n.board(i, op)
	if err != nil {
		return nil, err
	}
	if !b.isOpen {
		return nil, newError(ErrBoardNotOpen, i, op, "")
	}
	return b, nil
}

// Init initializes the simulated driver. Like the real driver in simulation mode, it
// reports the board count as a negative number.
func (n *NoHardware) Init() (int, error) {
	n.Lock()
	defer n.Unlock()
	n.initialized = true
	return -len(n.boards), nil
}

// Close stops all boards and the callback ticker.
func (n *NoHardware) Close() error {
	n.Lock()
	if !n.initialized {
		n.Unlock()
		return newError(ErrNotInitialized, -1, "Close", "already closed")
	}
	for _, b := range n.boards {
		b.running = false
		b.isOpen = false
	}
	n.initialized = false
	n.Unlock()
	n.stopTicker()
	return nil
}

// parseTarget splits "BoardID3/AcqProp" into 3 and "AcqProp".
func parseTarget(target string) (int, string, bool) {
	if !strings.HasPrefix(target, "BoardID") {
		return 0, "", false
	}
	rest := strings.TrimPrefix(target, "BoardID")
	sub := ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest, sub = rest[:i], rest[i+1:]
	}
	board, err := strconv.Atoi(rest)
	if err != nil {
		return 0, "", false
	}
	return board, sub, true
}

// GetParamStr reads a string parameter.
func (n *NoHardware) GetParamStr(target, item string) (string, error) {
	n.Lock()
	defer n.Unlock()
	const op = "GetParamStr"
	if target == "driver/api" {
		switch strings.ToLower(item) {
		case "version":
			return n.version, nil
		case "builddate":
			return n.buildDate, nil
		}
		return "", newError(ErrInvalidTarget, -1, op, "%s/%s", target, item)
	}
	if !n.initialized {
		return "", newError(ErrNotInitialized, -1, op, "call Init first")
	}
	board, sub, ok := parseTarget(target)
	if !ok {
		return "", newError(ErrInvalidTarget, -1, op, "%s", target)
	}
	b, err := n.board(board, op)
	if err != nil {
		return "", err
	}
	switch {
	case sub == "" && item == "BoardName":
		return b.spec.Name, nil
	case sub == "AI" && item == "Channels":
		return strconv.Itoa(b.spec.NumAI), nil
	case sub == "CNT" && item == "Channels":
		return strconv.Itoa(b.spec.NumCNT), nil
	case sub == "BoardCNT" && item == "Channels":
		return strconv.Itoa(b.spec.NumBCNT), nil
	}
	if v, ok := b.params[sub+"/"+item]; ok {
		return v, nil
	}
	return "", newError(ErrInvalidTarget, board, op, "%s/%s", target, item)
}

// parseSampleRate accepts "200000" or "1000 Hz".
func parseSampleRate(value string) (float64, error) {
	v := strings.TrimSpace(value)
	v = strings.TrimSpace(strings.TrimSuffix(v, "Hz"))
	rate, err := strconv.ParseFloat(v, 64)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("sample rate %q is not a positive number", value)
	}
	return rate, nil
}

// SetParamStr writes a string parameter.
func (n *NoHardware) SetParamStr(target, item, value string) error {
	n.Lock()
	defer n.Unlock()
	const op = "SetParamStr"
	if strings.HasPrefix(target, "driver/api/config") {
		n.apiConfig[target+"/"+strings.ToLower(item)] = value
		return nil
	}
	board, sub, ok := parseTarget(target)
	if !ok {
		return newError(ErrInvalidTarget, -1, op, "%s", target)
	}
	b, err := n.board(board, op)
	if err != nil {
		return err
	}
	if b.running {
		return newError(ErrAcqRunning, board, op, "%s/%s", target, item)
	}
	switch sub + "/" + item {
	case "AcqProp/SampleRate":
		rate, err := parseSampleRate(value)
		if err != nil {
			return newError(ErrInvalidValue, board, op, "%v", err)
		}
		b.sampleRate = rate
	case "AcqProp/OperationMode":
		if !strings.EqualFold(value, "Master") && !strings.EqualFold(value, "Slave") {
			return newError(ErrInvalidValue, board, op, "OperationMode %q", value)
		}
	case "BoardCNT0/Used":
		if b.spec.NumBCNT == 0 {
			return newError(ErrInvalidTarget, board, op, "%s has no board counter", b.spec.Name)
		}
	}
	b.params[sub+"/"+item] = value
	b.committed = false
	return nil
}

// Command executes an integer board command.
func (n *NoHardware) Command(board int, cmd Command, value int) error {
	n.Lock()
	op := cmd.String()
	if cmd == CloseBoardAll {
		if !n.initialized {
			n.Unlock()
			return newError(ErrNotInitialized, -1, op, "")
		}
		for _, b := range n.boards {
			b.running = false
			b.isOpen = false
		}
		n.Unlock()
		n.stopTicker()
		return nil
	}
	if cmd == OpenBoard {
		defer n.Unlock()
		b, err := n.board(board, op)
		if err != nil {
			return err
		}
		b.isOpen = true
		return nil
	}

	b, err := n.openBoard(board, op)
	if err != nil {
		n.Unlock()
		return err
	}
	switch cmd {
	case ResetBoard:
		defer n.Unlock()
		if b.running {
			return newError(ErrAcqRunning, board, op, "")
		}
		b.params = make(map[string]string)
		b.committed = false
		b.blockSize, b.blockCount, b.scanSize = 0, 0, 0
		b.sampleRate = 0
		b.samples = 0
		b.callback = nil
		return nil

	case BufferBlockSize, BufferBlockCount:
		defer n.Unlock()
		if value <= 0 {
			return newError(ErrInvalidValue, board, op, "%d", value)
		}
		if cmd == BufferBlockSize {
			b.blockSize = value
		} else {
			b.blockCount = value
		}
		b.committed = false
		return nil

	case UpdateParamAll:
		defer n.Unlock()
		return n.commit(board, b)

	case StartAcquisition:
		if b.running {
			n.Unlock()
			return newError(ErrAcqRunning, board, op, "")
		}
		if !b.committed {
			n.Unlock()
			return newError(ErrInvalidValue, board, op, "settings not committed with %s", UpdateParamAll)
		}
		b.running = true
		b.samples = 0
		b.startTime = time.Now()
		b.adapter.reset()
		startTicker := n.autoTick && b.callback != nil && !b.dmaEnabled() && b.sampleRate > 0
		period := time.Duration(0)
		if startTicker {
			period = time.Duration(float64(time.Second) / b.sampleRate)
		}
		n.Unlock()
		if startTicker {
			n.startTicker(period)
		}
		return nil

	case StopAcquisition:
		if !b.running {
			n.Unlock()
			return newError(ErrAcqNotRunning, board, op, "")
		}
		b.running = false
		owner := b.callback != nil
		n.Unlock()
		if owner {
			n.stopTicker()
		}
		return nil

	case BufferFreeNoSample:
		defer n.Unlock()
		if !b.committed || !b.dmaEnabled() {
			return newError(ErrInvalidValue, board, op, "no DMA buffer")
		}
		if err := b.adapter.releaseBytes(value * b.scanSize); err != nil {
			code := ErrInvalidValue
			if b.adapter.overflow {
				code = ErrBufferOverwrite
			}
			return newError(code, board, op, "%v", err)
		}
		return nil
	}
	n.Unlock()
	return newError(ErrInvalidValue, board, op, "not a set command")
}

// commit applies the board settings and allocates the DMA ring. Caller must hold the lock.
func (n *NoHardware) commit(board int, b *simBoard) error {
	const op = "CMD_UPDATE_PARAM_ALL"
	if b.running {
		return newError(ErrAcqRunning, board, op, "")
	}
	b.nAIUsed = 0
	if strings.EqualFold(b.params["AIAll/Used"], "True") {
		b.nAIUsed = b.spec.NumAI
	}
	nwords := b.nAIUsed
	if strings.EqualFold(b.params["BoardCNT0/Used"], "True") {
		nwords++
	}
	if nwords == 0 {
		return newError(ErrInvalidValue, board, op, "no channels are used")
	}
	b.scanSize = 4 * nwords
	if b.dmaEnabled() {
		if b.blockSize <= 0 || b.blockCount < 2 {
			return newError(ErrInvalidValue, board, op, "block size %d, block count %d", b.blockSize, b.blockCount)
		}
		length := b.blockSize * b.blockCount * b.scanSize
		if err := b.adapter.allocateRingBuffer(length, b.blockSize*b.scanSize); err != nil {
			return newError(ErrInvalidValue, board, op, "%v", err)
		}
	}
	b.committed = true
	return nil
}

// Query executes an integer board command that returns a value.
func (n *NoHardware) Query(board int, cmd Command) (int, error) {
	n.Lock()
	op := cmd.String()
	b, err := n.board(board, op)
	if err != nil {
		n.Unlock()
		return 0, err
	}
	switch cmd {
	case BoardActSampleValueCount:
		defer n.Unlock()
		return b.spec.Registers, nil

	case BufferOneScanSize:
		defer n.Unlock()
		if !b.committed {
			return 0, newError(ErrInvalidValue, board, op, "settings not committed")
		}
		return b.scanSize, nil

	case BufferActSamplePos:
		defer n.Unlock()
		if !b.committed || !b.dmaEnabled() {
			return 0, newError(ErrInvalidValue, board, op, "no DMA buffer")
		}
		return b.adapter.readIndex, nil

	case BufferWaitAvailNoSample:
		if !b.running {
			n.Unlock()
			return 0, newError(ErrAcqNotRunning, board, op, "")
		}
		if !b.dmaEnabled() {
			n.Unlock()
			return 0, newError(ErrBufferNoAvailData, board, op, "DMA is disabled")
		}
		var sleep time.Duration
		if n.realtime && b.sampleRate > 0 {
			due := b.startTime.Add(time.Duration(float64(b.samples+uint64(b.blockSize)) / b.sampleRate * float64(time.Second)))
			sleep = time.Until(due)
		}
		n.acquireBlock(b)
		avail := b.adapter.available() / b.scanSize
		n.Unlock()
		if sleep > 0 {
			time.Sleep(sleep)
		}
		return avail, nil
	}
	n.Unlock()
	return 0, newError(ErrInvalidValue, board, op, "not a query command")
}

// acquireBlock writes one block of scan records into the board's ring.
// Caller must hold the lock.
func (n *NoHardware) acquireBlock(b *simBoard) {
	block := make([]byte, b.blockSize*b.scanSize)
	hasCounter := b.scanSize/4 > b.nAIUsed
	for i := 0; i < b.blockSize; i++ {
		k := b.samples + uint64(i)
		rec := block[i*b.scanSize : (i+1)*b.scanSize]
		for ch := 0; ch < b.nAIUsed; ch++ {
			binary.LittleEndian.PutUint32(rec[4*ch:], uint32(k*uint64(ch+1))&0x00ffffff)
		}
		if hasCounter {
			binary.LittleEndian.PutUint32(rec[b.scanSize-4:], b.counterValue(k))
		}
	}
	b.samples += uint64(b.blockSize)
	b.adapter.write(block)
}

// Buffer returns the board's DMA ring.
func (n *NoHardware) Buffer(board int) (*BufferInfo, error) {
	n.Lock()
	defer n.Unlock()
	const op = "Buffer"
	b, err := n.board(board, op)
	if err != nil {
		return nil, err
	}
	if !b.committed || !b.dmaEnabled() {
		return nil, newError(ErrInvalidValue, board, op, "no DMA buffer")
	}
	return &BufferInfo{Data: b.adapter.buffer, ScanSize: b.scanSize}, nil
}

// ActValues copies the board's current sample registers into dst.
func (n *NoHardware) ActValues(board int, dst []int32) (int, error) {
	n.Lock()
	defer n.Unlock()
	b, err := n.openBoard(board, "ActValues")
	if err != nil {
		return 0, err
	}
	nreg := b.spec.Registers
	if len(dst) < nreg {
		nreg = len(dst)
	}
	var act uint64
	if b.samples > 0 {
		act = b.samples - 1
	}
	count := int32(b.counterValue(act)) + b.skew
	for i := 0; i < nreg; i++ {
		dst[i] = 0
	}
	switch b.spec.Registers {
	case HsMultiRegisters:
		for i := 0; i < 8 && i < nreg; i++ {
			dst[i] = int32(act*uint64(i+1)) & 0x00ffffff
		}
		if hsMultiBoardCount < nreg {
			dst[hsMultiBoardCount] = count
		}
	case ControllerRegisters:
		if controllerBoardCount < nreg {
			dst[controllerBoardCount] = count
		}
		if controllerDIO < nreg {
			dst[controllerDIO] = int32(act) & 0x0fff
		}
	}
	return nreg, nil
}

// SetSampleCallback registers the per-sample callback on a board.
func (n *NoHardware) SetSampleCallback(board int, cb func(board int)) error {
	n.Lock()
	defer n.Unlock()
	b, err := n.openBoard(board, "SetSampleCallback")
	if err != nil {
		return err
	}
	if b.running {
		return newError(ErrAcqRunning, board, "SetSampleCallback", "")
	}
	b.callback = cb
	return nil
}

// Tick acquires one sample on every running board that has DMA disabled, then
// calls the registered sample callbacks. It returns the number of callbacks made.
func (n *NoHardware) Tick() int {
	n.Lock()
	type call struct {
		cb    func(int)
		board int
	}
	var calls []call
	for i, b := range n.boards {
		if !b.running || b.dmaEnabled() {
			continue
		}
		b.samples++
		if b.callback != nil && b.isMaster() {
			calls = append(calls, call{b.callback, i})
		}
	}
	n.Unlock()
	for _, c := range calls {
		c.cb(c.board)
	}
	return len(calls)
}

func (n *NoHardware) startTicker(period time.Duration) {
	n.stopTicker()
	if period < time.Millisecond {
		period = time.Millisecond
	}
	abort := make(chan struct{})
	done := make(chan struct{})
	n.Lock()
	n.tickAbort = abort
	n.tickDone = done
	n.Unlock()
	go func() {
		defer close(done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-abort:
				return
			case <-ticker.C:
				n.Tick()
			}
		}
	}()
}

func (n *NoHardware) stopTicker() {
	n.Lock()
	abort, done := n.tickAbort, n.tickDone
	n.tickAbort, n.tickDone = nil, nil
	n.Unlock()
	if abort != nil {
		close(abort)
		<-done
	}
}

// Inspect returns a dump of the simulated boards, for debugging.
func (n *NoHardware) Inspect() string {
	n.Lock()
	defer n.Unlock()
	for _, b := range n.boards {
		if b.committed && b.dmaEnabled() {
			b.adapter.inspect()
		}
	}
	return spew.Sdump(n.boards)
}
