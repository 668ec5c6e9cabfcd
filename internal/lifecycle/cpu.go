package lifecycle

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// clockTicksPerSecond is the kernel's USER_HZ value; 100 on effectively all
// Linux distributions running on x86/arm.
const clockTicksPerSecond = 100

// readProcessCPUTime reads accumulated user+system CPU time for this
// process from /proc/self/stat. Returns ok=false on any non-Linux host or
// parse failure, letting the caller fall back to a coarser heuristic.
func readProcessCPUTime() (time.Duration, bool) {
	data, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0, false
	}

	line := string(data)
	end := strings.LastIndex(line, ")")
	if end < 0 || end+2 > len(line) {
		return 0, false
	}

	fields := strings.Fields(line[end+2:])
	// fields[0] is state (field 3 of the original record); utime is field
	// 14 and stime is field 15, so their offsets here are 11 and 12.
	if len(fields) < 13 {
		return 0, false
	}

	utime, err1 := strconv.ParseInt(fields[11], 10, 64)
	stime, err2 := strconv.ParseInt(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}

	ticks := utime + stime
	seconds := float64(ticks) / clockTicksPerSecond
	return time.Duration(seconds * float64(time.Second)), true
}
