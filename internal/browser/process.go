package browser

import (
	"bufio"
	"strconv"
	"strings"
)

// Processes is the OS process control the session manager needs.
type Processes interface {
	// Kill terminates pid, forcefully if it does not exit promptly.
	Kill(pid int) error
	// Alive reports whether pid still runs.
	Alive(pid int) bool
	// ListeningPID returns the PID listening on a local TCP port, or 0.
	ListeningPID(port int) (int, error)
}

// parseLsofPIDs reads `lsof -t` output: one PID per line.
func parseLsofPIDs(out string) int {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if pid, err := strconv.Atoi(strings.TrimSpace(sc.Text())); err == nil && pid > 0 {
			return pid
		}
	}
	return 0
}

// parseNetstatListeningPID finds the owner of a LISTENING socket on port in
// `netstat -ano -p TCP` output.
func parseNetstatListeningPID(out string, port int) int {
	suffix := ":" + strconv.Itoa(port)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || !strings.EqualFold(fields[3], "LISTENING") {
			continue
		}
		if !strings.HasSuffix(fields[1], suffix) {
			continue
		}
		if pid, err := strconv.Atoi(fields[len(fields)-1]); err == nil && pid > 0 {
			return pid
		}
	}
	return 0
}

// ProcessAlive reports whether pid is a running process on this host.
func ProcessAlive(pid int) bool {
	return newOSProcesses().Alive(pid)
}
