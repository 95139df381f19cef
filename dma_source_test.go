package boardcount

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/usnistgov/boardcount/trion"
)

// waitRun drains the error channel of a DMA run and returns the error that ended it.
func waitRun(t *testing.T, ds *DMASource) error {
	t.Helper()
	var runErr error
	timeout := time.After(10 * time.Second)
	errs := ds.Errors()
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return runErr
			}
			runErr = err
		case <-timeout:
			t.Fatal("DMA run did not end within 10 s")
		}
	}
}

func TestDMASourceConfigValidate(t *testing.T) {
	good := DefaultDMASourceConfig()
	assert.NoError(t, good.Validate())
	tests := []func(c *DMASourceConfig){
		func(c *DMASourceConfig) { c.SampleRate = 0 },
		func(c *DMASourceConfig) { c.BlockSize = 0 },
		func(c *DMASourceConfig) { c.BlockCount = 1 },
		func(c *DMASourceConfig) { c.MaxBoards = -1 },
		func(c *DMASourceConfig) { c.MaxIterations = -2 },
		func(c *DMASourceConfig) { c.HeartbeatEvery = -5 },
	}
	for i, modify := range tests {
		c := DefaultDMASourceConfig()
		modify(&c)
		assert.Error(t, c.Validate(), "case %d", i)
	}
}

func TestDMASourceRun(t *testing.T) {
	drv := trion.NewNoHardware(2)
	updates := make(chan ClientUpdate, 100)
	ds := NewDMASource(drv, updates, nil)
	config := DMASourceConfig{SampleRate: 10000, BlockSize: 20, BlockCount: 3, MaxIterations: 30, HeartbeatEvery: 10}
	if err := ds.SetConfig(config); err != nil {
		t.Fatal(err)
	}
	if err := ds.Start(); err != nil {
		t.Fatal(err)
	}
	if err := waitRun(t, ds); err != nil {
		t.Errorf("DMA run ended with %v, want no error", err)
	}
	assert.Equal(t, Inactive, ds.GetState())

	states := ds.States()
	if assert.Len(t, states, 3) {
		for i, s := range states {
			assert.Equal(t, i, s.Board)
			assert.Equal(t, uint64(600), s.TotalSamplesSeen, "board %d", i)
		}
	}

	var running, final int
	var last Heartbeat
	for len(updates) > 0 {
		u := <-updates
		hb, ok := u.State.(Heartbeat)
		if !ok {
			t.Errorf("unexpected %s update: %v", u.Tag, u.State)
			continue
		}
		assert.Equal(t, "HEARTBEAT", u.Tag)
		if hb.Running {
			running++
			assert.Equal(t, 10*3, hb.Blocks, "blocks per heartbeat")
		} else {
			final++
			last = hb
		}
	}
	assert.Equal(t, 3, running)
	assert.Equal(t, 1, final)
	assert.Equal(t, uint64(1800), last.Samples)

	if err := ds.Stop(); err == nil {
		t.Error("Stop on a finished source succeeded, want error")
	}
}

func TestDMASourceDetectsDrop(t *testing.T) {
	drv := trion.NewNoHardware(2)
	updates := make(chan ClientUpdate, 100)
	ds := NewDMASource(drv, updates, nil)
	ds.SetConfig(DMASourceConfig{SampleRate: 10000, BlockSize: 20, BlockCount: 3, MaxIterations: 100})
	// The startup double zero already shifts the counter by one, which masks a single
	// lost sample; losing two is always caught.
	drv.Init()
	if err := drv.InjectDrop(2, 45, 2); err != nil {
		t.Fatal(err)
	}
	if err := ds.Start(); err != nil {
		t.Fatal(err)
	}
	err := waitRun(t, ds)

	var cerr *ContinuityError
	if !errors.As(err, &cerr) {
		t.Fatalf("DMA run ended with %v, want a *ContinuityError", err)
	}
	assert.True(t, errors.Is(err, ErrUnexpectedCounter))
	assert.Equal(t, 2, cerr.Board)
	assert.Equal(t, 5, cerr.Index)
	assert.Equal(t, uint32(45), cerr.Expected)
	assert.Equal(t, uint32(46), cerr.Observed)

	states := ds.States()
	assert.Equal(t, uint64(60), states[0].TotalSamplesSeen)
	assert.Equal(t, uint64(60), states[1].TotalSamplesSeen)
	assert.Equal(t, uint64(40), states[2].TotalSamplesSeen, "failing block must not advance the state")

	var report *ContinuityReport
	for len(updates) > 0 {
		u := <-updates
		if r, ok := u.State.(ContinuityReport); ok {
			report = &r
			assert.Equal(t, "CONTINUITY", u.Tag)
		}
	}
	if assert.NotNil(t, report) {
		assert.Equal(t, 2, report.Board)
		assert.Equal(t, uint64(40), report.Samples)
		assert.Equal(t, uint32(46), report.Observed)
	}
}

func TestDMASourceStop(t *testing.T) {
	drv := trion.NewNoHardware(1)
	ds := NewDMASource(drv, nil, nil)
	ds.SetConfig(DMASourceConfig{SampleRate: 10000, BlockSize: 10, BlockCount: 2})
	if err := ds.Start(); err != nil {
		t.Fatal(err)
	}
	if err := ds.Start(); err == nil {
		t.Error("second Start succeeded, want error")
	}
	if err := ds.SetConfig(DefaultDMASourceConfig()); err == nil {
		t.Error("SetConfig on an active source succeeded, want error")
	}
	time.Sleep(20 * time.Millisecond)
	if err := ds.Stop(); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, Inactive, ds.GetState())
	if err := waitRun(t, ds); err != nil {
		t.Errorf("stopped run reports %v, want nil", err)
	}
	for _, s := range ds.States() {
		assert.NotZero(t, s.TotalSamplesSeen)
	}
	// The source can run again.
	if err := ds.Start(); err != nil {
		t.Fatal(err)
	}
	assert.NoError(t, ds.Stop())
}

func TestDMASourceNoValidBoards(t *testing.T) {
	drv := trion.NewNoHardwareBoards([]trion.BoardSpec{trion.DACCSpec})
	ds := NewDMASource(drv, nil, nil)
	if err := ds.Start(); err == nil {
		t.Error("Start without board counters succeeded, want error")
	}
	assert.Equal(t, Inactive, ds.GetState())
}
