//go:build !unix

package filelock

// processAlive cannot check other processes here; only StaleAge expires a lock.
func processAlive(pid int) bool {
	return pid > 0
}

func livenessSupported() bool { return false }
