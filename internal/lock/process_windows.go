package lock

// processAlive has no cheap probe on Windows; locks are only released
// explicitly there.
func processAlive(pid int) bool {
	return true
}
