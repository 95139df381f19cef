package trion

// Sample register layouts seen through ActValues. Every register is 32 bits.
//
// A TRION3-1820-MULTI-8 board has 14 registers: 8 AI values, 2 counters (count and
// subcount), then the board counter (count and subcount).
//
// A TRION3-CONTROLLER board has 11 registers: 4 counters (count and subcount), the
// board counter (count and subcount), then the DIO word (bits 0 to 11).
const (
	HsMultiRegisters    = 14
	ControllerRegisters = 11

	hsMultiBoardCount    = 12
	controllerBoardCount = 8
	controllerDIO        = 10
)

// BoardCounterFromValues returns the board counter from a register snapshot, choosing
// the layout by the number of registers. It returns false for unknown layouts.
func BoardCounterFromValues(values []int32) (int32, bool) {
	switch len(values) {
	case HsMultiRegisters:
		return values[hsMultiBoardCount], true
	case ControllerRegisters:
		return values[controllerBoardCount], true
	}
	return 0, false
}

// ControllerDIO returns the 12 DIO bits from a controller register snapshot.
func ControllerDIO(values []int32) (uint16, bool) {
	if len(values) != ControllerRegisters {
		return 0, false
	}
	return uint16(values[controllerDIO]) & 0x0fff, true
}
