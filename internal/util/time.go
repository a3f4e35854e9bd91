package util

import "time"

// CeilSeconds rounds a duration up to whole seconds, clamping negatives to
// zero. Countdown displays always show at least one second while time is
// left on the clock.
func CeilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
