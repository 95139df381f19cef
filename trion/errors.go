package trion

import (
	"errors"
	"fmt"
)

// Code is a TRION API return code. Positive codes are errors, negative codes
// are warnings, and 0 is success.
type Code int

// Return codes used by this package.
const (
	ErrNone              Code = 0
	ErrNotInitialized    Code = 1
	ErrInvalidBoard      Code = 2
	ErrBoardNotOpen      Code = 3
	ErrInvalidTarget     Code = 4
	ErrInvalidValue      Code = 5
	ErrAcqRunning        Code = 6
	ErrAcqNotRunning     Code = 7
	ErrBufferNoAvailData Code = 8
	ErrBufferOverwrite   Code = 9
	ErrTimeout           Code = 10

	WarnNoCallback     Code = -1
	WarnParamCorrected Code = -2
)

var codeNames = map[Code]string{
	ErrNone:              "ERR_NONE",
	ErrNotInitialized:    "ERR_NOT_INITIALIZED",
	ErrInvalidBoard:      "ERR_INVALID_BOARD",
	ErrBoardNotOpen:      "ERR_BOARD_NOT_OPEN",
	ErrInvalidTarget:     "ERR_INVALID_TARGET",
	ErrInvalidValue:      "ERR_INVALID_VALUE",
	ErrAcqRunning:        "ERR_ACQ_RUNNING",
	ErrAcqNotRunning:     "ERR_ACQ_NOT_RUNNING",
	ErrBufferNoAvailData: "ERR_BUFFER_NO_AVAIL_DATA",
	ErrBufferOverwrite:   "ERR_BUFFER_OVERWRITE",
	ErrTimeout:           "ERR_TIMEOUT",
	WarnNoCallback:       "WARNING_NO_CALLBACK",
	WarnParamCorrected:   "WARNING_PARAM_CORRECTED",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// IsWarning reports whether c is a warning rather than an error.
func (c Code) IsWarning() bool {
	return c < 0
}

// Error is returned by Driver methods. Board is -1 for driver-wide operations.
type Error struct {
	Code   Code
	Board  int
	Op     string
	Detail string
}

func (e *Error) Error() string {
	prefix := "Error"
	if e.Code.IsWarning() {
		prefix = "Warning"
	}
	msg := fmt.Sprintf("%s: %s", prefix, e.Code)
	if e.Op != "" {
		msg = fmt.Sprintf("%s in %s", msg, e.Op)
	}
	if e.Board >= 0 {
		msg = fmt.Sprintf("%s (board %d)", msg, e.Board)
	}
	if e.Detail != "" {
		msg = msg + ": " + e.Detail
	}
	return msg
}

func newError(code Code, board int, op, format string, args ...interface{}) *Error {
	return &Error{Code: code, Board: board, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf returns the Code carried by err, ErrNone for nil, and ErrInvalidValue for
// errors that do not come from this package.
func CodeOf(err error) Code {
	if err == nil {
		return ErrNone
	}
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Code
	}
	return ErrInvalidValue
}

// IsWarning reports whether err is a driver warning, which callers log and ignore.
func IsWarning(err error) bool {
	return err != nil && CodeOf(err).IsWarning()
}
