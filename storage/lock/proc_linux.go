package lock

import (
	"os"
	"strconv"
	"strings"
)

// bootID reads the kernel boot identifier. Empty when unavailable; the boot
// ID staleness check is then skipped.
func bootID() string {
	b, err := os.ReadFile("/proc/sys/kernel/random/boot_id")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// processStartTime returns the start time of a pid in clock ticks since
// boot, or 0 when unavailable. Together with the pid it identifies a process
// incarnation: a recycled pid gets a different start time.
func processStartTime(pid int) uint64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	// The comm field is parenthesized and may contain spaces; fields are
	// counted after the closing parenthesis. starttime is field 22 overall.
	rest := string(b)
	if idx := strings.LastIndexByte(rest, ')'); idx >= 0 {
		rest = rest[idx+1:]
	}
	fields := strings.Fields(rest)
	if len(fields) < 20 {
		return 0
	}
	start, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return 0
	}
	return start
}
