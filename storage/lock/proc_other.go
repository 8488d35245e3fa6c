//go:build !linux

package lock

// Without procfs there is no boot ID or start-time source; the pid liveness
// check still applies.
func bootID() string {
	return ""
}

func processStartTime(pid int) uint64 {
	return 0
}
