package boardcount

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/usnistgov/boardcount/trion"
)

func waitReports(t *testing.T, sp *SyncPoller, n uint64) SkewSummary {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s := sp.History().Summary()
		if s.Reports >= n || time.Now().After(deadline) {
			return s
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPollingConfigValidate(t *testing.T) {
	good := DefaultPollingConfig()
	assert.NoError(t, good.Validate())
	bad := []PollingConfig{
		{SampleRate: 0, ReportDepth: 1, HistoryLength: 1},
		{SampleRate: 10, MaxBoards: -1, ReportDepth: 1, HistoryLength: 1},
		{SampleRate: 10, PrintEvery: -1, ReportDepth: 1, HistoryLength: 1},
		{SampleRate: 10, ReportDepth: 0, HistoryLength: 1},
		{SampleRate: 10, ReportDepth: 1, HistoryLength: 0},
	}
	for i, c := range bad {
		assert.Error(t, c.Validate(), "case %d", i)
	}
}

func TestSyncPollerSkew(t *testing.T) {
	drv := trion.NewNoHardware(2)
	drv.SetAutoTick(false)
	sp := NewSyncPoller(drv, nil, nil)
	var skewlog bytes.Buffer
	sp.SetSkewLog(&skewlog)
	if err := sp.SetConfig(PollingConfig{SampleRate: 1000, PrintEvery: 1, ReportDepth: 8, HistoryLength: 10}); err != nil {
		t.Fatal(err)
	}
	if err := sp.Start(); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, Active, sp.GetState())
	boards := sp.Boards()
	if assert.Len(t, boards, 3) {
		assert.Equal(t, trion.ControllerRegisters, boards[0].NumValueRegisters)
		assert.Equal(t, trion.HsMultiRegisters, boards[1].NumValueRegisters)
	}

	drv.InjectSkew(2, 3)
	for i := 0; i < 3; i++ {
		if n := drv.Tick(); n != 1 {
			t.Errorf("Tick() made %d callbacks, want 1", n)
		}
	}
	summary := waitReports(t, sp, 3)
	assert.Equal(t, uint64(3), summary.Reports)
	assert.Equal(t, uint64(0), summary.Empty)
	assert.Equal(t, int64(3), summary.WorstEver)
	assert.Equal(t, 3.0, summary.MeanSpread)
	assert.True(t, summary.LastValid)
	assert.Equal(t, int32(1), summary.LastMin)
	assert.Equal(t, int32(4), summary.LastMax)
	assert.Equal(t, uint64(3), sp.Ticks())
	assert.Equal(t, uint64(0), sp.Dropped())

	if err := sp.Stop(); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, Inactive, sp.GetState())
	lines := strings.Split(strings.TrimSpace(skewlog.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, "New sample from 3 board: count min = 1, max = 4", lines[2])
	if n := drv.Tick(); n != 0 {
		t.Errorf("Tick() after Stop made %d callbacks, want 0", n)
	}
}

func TestSyncPollerTicker(t *testing.T) {
	drv := trion.NewNoHardware(1)
	updates := make(chan ClientUpdate, 1000)
	sp := NewSyncPoller(drv, updates, nil)
	sp.SetConfig(PollingConfig{SampleRate: 1000, ReportDepth: 64, HistoryLength: 100})
	if err := sp.Start(); err != nil {
		t.Fatal(err)
	}
	summary := waitReports(t, sp, 20)
	if err := sp.Stop(); err != nil {
		t.Fatal(err)
	}
	assert.GreaterOrEqual(t, summary.Reports, uint64(20))
	assert.Equal(t, int64(0), summary.WorstEver)

	var final *SkewSummary
	for len(updates) > 0 {
		u := <-updates
		if s, ok := u.State.(SkewSummary); ok {
			assert.Equal(t, "SKEW", u.Tag)
			final = &s
		}
	}
	if assert.NotNil(t, final, "no SKEW update after Stop") {
		assert.GreaterOrEqual(t, final.Reports, summary.Reports)
	}
}

func TestSyncPollerTickDropsWhenFull(t *testing.T) {
	drv := trion.NewNoHardware(1)
	sp := NewSyncPoller(drv, nil, nil)
	if err := sp.Configure(); err != nil {
		t.Fatal(err)
	}
	sp.reports = make(chan SyncSkewReport, 1)
	sp.Tick(0)
	sp.Tick(0)
	assert.Equal(t, uint64(2), sp.Ticks())
	assert.Equal(t, uint64(1), sp.Dropped())
	r := <-sp.reports
	assert.Equal(t, 2, r.Count)
	spread, ok := r.Spread()
	assert.True(t, ok)
	assert.Equal(t, int64(0), spread)

	allocs := testing.AllocsPerRun(100, func() { sp.Tick(0) })
	if allocs != 0 {
		t.Errorf("Tick allocates %v times per call, want 0", allocs)
	}
}

func TestSyncPollerUnsupportedLayout(t *testing.T) {
	odd := trion.BoardSpec{Name: "TRION-ODD", NumAI: 2, NumBCNT: 1, Registers: 10}
	drv := trion.NewNoHardwareBoards([]trion.BoardSpec{trion.ControllerSpec, trion.MultiSpec, odd})
	sp := NewSyncPoller(drv, nil, nil)
	if err := sp.Configure(); err != nil {
		t.Fatal(err)
	}
	sp.reports = make(chan SyncSkewReport, 1)
	sp.Tick(0)
	r := <-sp.reports
	assert.Equal(t, 2, r.Count, "the board with an unknown register layout must be skipped")
}
