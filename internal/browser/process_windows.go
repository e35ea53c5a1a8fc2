//go:build windows

package browser

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

const createNewProcessGroup = 0x00000200

func detachedAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

type osProcesses struct{}

func newOSProcesses() Processes {
	return osProcesses{}
}

func (osProcesses) Kill(pid int) error {
	if err := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run(); err != nil {
		return fmt.Errorf("taskkill pid %d: %w", pid, err)
	}
	return nil
}

func (osProcesses) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	out, err := exec.Command("tasklist", "/FI", "PID eq "+strconv.Itoa(pid), "/NH").Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), " "+strconv.Itoa(pid)+" ")
}

func (osProcesses) ListeningPID(port int) (int, error) {
	out, err := exec.Command("netstat", "-ano", "-p", "TCP").Output()
	if err != nil {
		return 0, fmt.Errorf("netstat: %w", err)
	}
	return parseNetstatListeningPID(string(out), port), nil
}
