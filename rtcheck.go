package boardcount

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lorenzosaino/go-sysctl"
)

const rtRuntimeKey = "kernel.sched_rt_runtime_us"

// CheckRealtimeHost warns when the kernel throttles realtime threads, which delays
// the per-sample callback. It returns the throttle value (-1 means unthrottled).
func CheckRealtimeHost() (int, error) {
	value, err := sysctl.Get(rtRuntimeKey)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", rtRuntimeKey, err)
	}
	return checkRealtimeValue(value)
}

func checkRealtimeValue(value string) (int, error) {
	runtime, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not an integer: %w", rtRuntimeKey, value, err)
	}
	if runtime >= 0 {
		ProblemLogger.Printf("%s=%d: realtime threads are throttled, sample callbacks may be late", rtRuntimeKey, runtime)
	}
	return runtime, nil
}
