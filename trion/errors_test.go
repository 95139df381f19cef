package trion

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorText(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{newError(ErrInvalidValue, 2, "CMD_START_ACQUISITION", "bad"), "Error: ERR_INVALID_VALUE in CMD_START_ACQUISITION (board 2): bad"},
		{newError(ErrNotInitialized, -1, "Close", ""), "Error: ERR_NOT_INITIALIZED in Close"},
		{&Error{Code: WarnParamCorrected, Board: -1}, "Warning: WARNING_PARAM_CORRECTED"},
		{&Error{Code: Code(42), Board: 0}, "Error: CODE_42 (board 0)"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("configuring board: %w", newError(ErrAcqRunning, 1, "SetParamStr", ""))
	if got := CodeOf(wrapped); got != ErrAcqRunning {
		t.Errorf("CodeOf(wrapped) = %s, want %s", got, ErrAcqRunning)
	}
	if got := CodeOf(nil); got != ErrNone {
		t.Errorf("CodeOf(nil) = %s, want %s", got, ErrNone)
	}
	if got := CodeOf(errors.New("other")); got != ErrInvalidValue {
		t.Errorf("CodeOf(foreign error) = %s, want %s", got, ErrInvalidValue)
	}
	if !IsWarning(&Error{Code: WarnNoCallback, Board: -1}) {
		t.Error("IsWarning(WarnNoCallback) = false")
	}
	if IsWarning(nil) || IsWarning(wrapped) {
		t.Error("IsWarning reports true for a non-warning")
	}
}

func TestCommandString(t *testing.T) {
	if got := BufferWaitAvailNoSample.String(); got != "CMD_BUFFER_0_WAIT_AVAIL_NO_SAMPLE" {
		t.Errorf("String() = %q", got)
	}
	if got := Command(99).String(); got != "CMD_UNKNOWN" {
		t.Errorf("Command(99).String() = %q, want CMD_UNKNOWN", got)
	}
}

func TestBoardCounterFromValues(t *testing.T) {
	multi := make([]int32, HsMultiRegisters)
	multi[12] = 77
	if v, ok := BoardCounterFromValues(multi); !ok || v != 77 {
		t.Errorf("multi layout gave (%d, %t), want (77, true)", v, ok)
	}
	ctl := make([]int32, ControllerRegisters)
	ctl[8] = -3
	ctl[10] = 0x7abc
	if v, ok := BoardCounterFromValues(ctl); !ok || v != -3 {
		t.Errorf("controller layout gave (%d, %t), want (-3, true)", v, ok)
	}
	if dio, ok := ControllerDIO(ctl); !ok || dio != 0xabc {
		t.Errorf("ControllerDIO gave (0x%x, %t), want (0xabc, true)", dio, ok)
	}
	if _, ok := BoardCounterFromValues(make([]int32, 10)); ok {
		t.Error("10-register layout accepted")
	}
	if _, ok := ControllerDIO(multi); ok {
		t.Error("ControllerDIO accepted a multi board snapshot")
	}
}
