// Package trion describes the boundary to the TRION data-acquisition driver:
// the string parameter tree, the integer board commands, the per-board DMA ring
// buffer and the per-sample callback used in polling mode.
// Exports the Driver interface for general use, and NoHardware, a simulated chassis
// that implements Driver without any boards present.
package trion

// Driver is the hardware-access service used by the acquisition sources.
// The vendor driver implements it through its runtime library; NoHardware
// implements it in memory for testing.
type Driver interface {
	// Init initializes the driver and returns the number of boards found.
	// Simulated systems report a negative count.
	Init() (int, error)
	Close() error

	GetParamStr(target, item string) (string, error)
	SetParamStr(target, item, value string) error

	Command(board int, cmd Command, value int) error
	Query(board int, cmd Command) (int, error)

	// Buffer returns the board's DMA ring. Valid after UpdateParamAll.
	Buffer(board int) (*BufferInfo, error)
	// ActValues copies the board's current sample registers into dst and returns
	// the number of registers copied.
	ActValues(board int, dst []int32) (int, error)
	// SetSampleCallback registers cb to be called once per acquired sample,
	// from the interrupt path of the given board. A nil cb removes it.
	SetSampleCallback(board int, cb func(board int)) error
}

// BufferInfo describes a board's DMA ring buffer. Data is owned by the driver.
type BufferInfo struct {
	Data     []byte
	ScanSize int // bytes per scan record
}

// Command identifies an integer board command.
type Command int

// Board commands, named after the CMD_* constants of the TRION API.
const (
	OpenBoard Command = iota + 1
	ResetBoard
	CloseBoardAll
	StartAcquisition
	StopAcquisition
	UpdateParamAll
	BufferBlockSize
	BufferBlockCount
	BufferWaitAvailNoSample
	BufferFreeNoSample
	BufferActSamplePos
	BufferOneScanSize
	BoardActSampleValueCount
)

var commandNames = map[Command]string{
	OpenBoard:                "CMD_OPEN_BOARD",
	ResetBoard:               "CMD_RESET_BOARD",
	CloseBoardAll:            "CMD_CLOSE_BOARD_ALL",
	StartAcquisition:         "CMD_START_ACQUISITION",
	StopAcquisition:          "CMD_STOP_ACQUISITION",
	UpdateParamAll:           "CMD_UPDATE_PARAM_ALL",
	BufferBlockSize:          "CMD_BUFFER_0_BLOCK_SIZE",
	BufferBlockCount:         "CMD_BUFFER_0_BLOCK_COUNT",
	BufferWaitAvailNoSample:  "CMD_BUFFER_0_WAIT_AVAIL_NO_SAMPLE",
	BufferFreeNoSample:       "CMD_BUFFER_0_FREE_NO_SAMPLE",
	BufferActSamplePos:       "CMD_BUFFER_0_ACT_SAMPLE_POS",
	BufferOneScanSize:        "CMD_BUFFER_0_ONE_SCAN_SIZE",
	BoardActSampleValueCount: "CMD_BOARD_ACT_SAMPLE_VALUE_COUNT",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "CMD_UNKNOWN"
}
