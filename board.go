package boardcount

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/usnistgov/boardcount/trion"
)

// BoardInfo describes one board found in the chassis.
type BoardInfo struct {
	Index             int
	Name              string
	NumAI             int
	NumCNT            int
	NumBCNT           int
	NumValueRegisters int  // sample registers seen in polling mode (0 until configured for polling)
	Valid             bool // only boards with a board counter take part
	Master            bool
}

func (b BoardInfo) String() string {
	return fmt.Sprintf("board %d: %s with %d AI, %d CNT and %d BCNT channels", b.Index, b.Name,
		b.NumAI, b.NumCNT, b.NumBCNT)
}

// checkError logs driver warnings to the problem logger and returns nil for them;
// errors pass through unchanged.
func checkError(err error) error {
	if err == nil {
		return nil
	}
	if trion.IsWarning(err) {
		ProblemLogger.Println(err)
		return nil
	}
	return err
}

// OpenDriver initializes the driver and returns the number of boards present.
// Simulated systems report a negative count, which is folded to positive.
func OpenDriver(drv trion.Driver) (int, error) {
	nboards, err := drv.Init()
	if err := checkError(err); err != nil {
		return 0, fmt.Errorf("driver init: %w", err)
	}
	if nboards < 0 {
		nboards = -nboards
	}
	return nboards, nil
}

// DriverInfo returns the API version and build date of the driver.
func DriverInfo(drv trion.Driver) (version, date string, err error) {
	if version, err = drv.GetParamStr("driver/api", "version"); err != nil {
		return "", "", err
	}
	if date, err = drv.GetParamStr("driver/api", "builddate"); err != nil {
		return "", "", err
	}
	return version, date, nil
}

func getChannels(drv trion.Driver, board int, group string) (int, error) {
	s, err := drv.GetParamStr(fmt.Sprintf("BoardID%d/%s", board, group), "Channels")
	if err := checkError(err); err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("board %d %s channel count %q: %w", board, group, s, err)
	}
	return n, nil
}

// DiscoverBoards initializes the driver and reads the name and channel counts of up
// to maxBoards boards (all boards when maxBoards <= 0). Boards with a board counter
// are valid, and the first valid board is the master. It is an error to find no
// valid board.
func DiscoverBoards(drv trion.Driver, maxBoards int) ([]*BoardInfo, error) {
	nboards, err := OpenDriver(drv)
	if err != nil {
		return nil, err
	}
	if maxBoards > 0 && nboards > maxBoards {
		ProblemLogger.Printf("found %d boards, using only the first %d", nboards, maxBoards)
		nboards = maxBoards
	}
	boards := make([]*BoardInfo, 0, nboards)
	var master *BoardInfo
	for i := 0; i < nboards; i++ {
		b := &BoardInfo{Index: i}
		name, err := drv.GetParamStr(fmt.Sprintf("BoardID%d", i), "BoardName")
		if err := checkError(err); err != nil {
			return nil, fmt.Errorf("board %d name: %w", i, err)
		}
		b.Name = name
		if b.NumAI, err = getChannels(drv, i, "AI"); err != nil {
			return nil, err
		}
		if b.NumCNT, err = getChannels(drv, i, "CNT"); err != nil {
			return nil, err
		}
		if b.NumBCNT, err = getChannels(drv, i, "BoardCNT"); err != nil {
			return nil, err
		}
		b.Valid = b.NumBCNT > 0
		if b.Valid && master == nil {
			b.Master = true
			master = b
		}
		boards = append(boards, b)
	}
	if master == nil {
		return boards, fmt.Errorf("none of the %d boards has a board counter", nboards)
	}
	return boards, nil
}

// DumpBoards returns a verbose dump of a board table.
func DumpBoards(boards []*BoardInfo) string {
	return spew.Sdump(boards)
}

// boardSettings holds what configureBoard writes to each board.
type boardSettings struct {
	sampleRate string
	dma        bool
	blockSize  int
	blockCount int
}

// configureBoard opens and resets one board, then sets it up to acquire its board
// counter (and all AI channels, if any) and commits the settings.
func configureBoard(drv trion.Driver, b *BoardInfo, s boardSettings) error {
	target := fmt.Sprintf("BoardID%d", b.Index)
	type param struct{ target, item, value string }
	mode, trigger := "Slave", "PosEdge"
	if b.Master {
		mode, trigger = "Master", "False"
	}
	params := []param{
		{target + "/AcqProp", "OperationMode", mode},
		{target + "/AcqProp", "ExtTrigger", trigger},
		{target + "/AcqProp", "ExtClk", "False"},
		{target + "/AcqProp", "SampleRate", s.sampleRate},
	}
	if !s.dma {
		params = append(params, param{target + "/AcqProp", "DMABuffer0Enabled", "False"})
	}
	if b.NumAI > 0 {
		params = append(params, param{target + "/AIAll", "Used", "True"})
	}
	params = append(params,
		param{target + "/BoardCNT0", "Used", "True"},
		param{target + "/BoardCNT0", "Reset", "OnReStart"},
		param{target + "/BoardCNT0", "Source_A", "ACQ_CLK"},
	)

	if err := checkError(drv.Command(b.Index, trion.OpenBoard, 0)); err != nil {
		return fmt.Errorf("opening board %d: %w", b.Index, err)
	}
	if err := checkError(drv.Command(b.Index, trion.ResetBoard, 0)); err != nil {
		return fmt.Errorf("resetting board %d: %w", b.Index, err)
	}
	for _, p := range params {
		if err := checkError(drv.SetParamStr(p.target, p.item, p.value)); err != nil {
			return fmt.Errorf("setting %s/%s=%s: %w", p.target, p.item, p.value, err)
		}
	}
	if s.dma {
		if err := checkError(drv.Command(b.Index, trion.BufferBlockSize, s.blockSize)); err != nil {
			return fmt.Errorf("board %d block size: %w", b.Index, err)
		}
		if err := checkError(drv.Command(b.Index, trion.BufferBlockCount, s.blockCount)); err != nil {
			return fmt.Errorf("board %d block count: %w", b.Index, err)
		}
	}
	if err := checkError(drv.Command(b.Index, trion.UpdateParamAll, 0)); err != nil {
		return fmt.Errorf("committing board %d: %w", b.Index, err)
	}
	return nil
}
