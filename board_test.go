package boardcount

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/usnistgov/boardcount/trion"
)

func TestDiscoverBoards(t *testing.T) {
	drv := trion.NewNoHardwareBoards([]trion.BoardSpec{trion.DACCSpec, trion.MultiSpec, trion.ControllerSpec})
	boards, err := DiscoverBoards(drv, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(boards) != 3 {
		t.Fatalf("DiscoverBoards found %d boards, want 3", len(boards))
	}
	tests := []struct {
		name          string
		valid, master bool
		nai           int
	}{
		{trion.DACCSpec.Name, false, false, 6},
		{trion.MultiSpec.Name, true, true, 8},
		{trion.ControllerSpec.Name, true, false, 0},
	}
	for i, tt := range tests {
		b := boards[i]
		if b.Index != i || b.Name != tt.name || b.Valid != tt.valid || b.Master != tt.master || b.NumAI != tt.nai {
			t.Errorf("board %d = %+v, want name %s valid=%t master=%t with %d AI", i, *b, tt.name, tt.valid, tt.master, tt.nai)
		}
	}
	assert.Equal(t, "board 1: TRION3-1820-MULTI-8 with 8 AI, 2 CNT and 1 BCNT channels", boards[1].String())
	assert.Contains(t, DumpBoards(boards), "TRION-2402-dACC")

	boards, err = DiscoverBoards(drv, 2)
	assert.NoError(t, err)
	assert.Len(t, boards, 2)

	_, err = DiscoverBoards(drv, 1)
	assert.Error(t, err, "a chassis limited to its dACC board has no board counter")
}

func TestDriverInfo(t *testing.T) {
	drv := trion.NewNoHardware(0)
	version, date, err := DriverInfo(drv)
	assert.NoError(t, err)
	assert.Equal(t, "7.0.0-sim", version)
	assert.NotEmpty(t, date)

	n, err := OpenDriver(drv)
	assert.NoError(t, err)
	assert.Equal(t, 1, n, "a simulated board count must be folded to positive")
}

func TestCheckError(t *testing.T) {
	assert.NoError(t, checkError(nil))
	assert.NoError(t, checkError(&trion.Error{Code: trion.WarnParamCorrected, Board: 0}))
	err := &trion.Error{Code: trion.ErrTimeout, Board: 0}
	assert.Equal(t, err, checkError(err))
}

func TestConfigureBoard(t *testing.T) {
	drv := trion.NewNoHardware(1)
	boards, err := DiscoverBoards(drv, 0)
	if err != nil {
		t.Fatal(err)
	}
	s := boardSettings{sampleRate: "2000", dma: true, blockSize: 10, blockCount: 3}
	for _, b := range boards {
		if err := configureBoard(drv, b, s); err != nil {
			t.Fatalf("configureBoard(%d): %v", b.Index, err)
		}
	}
	readback := []struct{ target, item, want string }{
		{"BoardID0/AcqProp", "OperationMode", "Master"},
		{"BoardID0/AcqProp", "ExtTrigger", "False"},
		{"BoardID1/AcqProp", "OperationMode", "Slave"},
		{"BoardID1/AcqProp", "ExtTrigger", "PosEdge"},
		{"BoardID1/AcqProp", "SampleRate", "2000"},
		{"BoardID1/AIAll", "Used", "True"},
		{"BoardID1/BoardCNT0", "Reset", "OnReStart"},
		{"BoardID1/BoardCNT0", "Source_A", "ACQ_CLK"},
	}
	for _, r := range readback {
		got, err := drv.GetParamStr(r.target, r.item)
		if err != nil || got != r.want {
			t.Errorf("%s/%s = %q (err %v), want %q", r.target, r.item, got, err, r.want)
		}
	}
	if _, err := drv.GetParamStr("BoardID0/AIAll", "Used"); err == nil {
		t.Error("AI channels were enabled on the controller, which has none")
	}
	scan, err := drv.Query(1, trion.BufferOneScanSize)
	assert.NoError(t, err)
	assert.Equal(t, 36, scan)

	bad := boardSettings{sampleRate: "-5", dma: true, blockSize: 10, blockCount: 3}
	err = configureBoard(drv, boards[1], bad)
	if assert.Error(t, err) {
		assert.True(t, strings.Contains(err.Error(), "SampleRate"), "error %q should name the parameter", err)
		assert.Equal(t, trion.ErrInvalidValue, trion.CodeOf(err))
	}
}
