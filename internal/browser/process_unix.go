//go:build !windows

package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/dgnsrekt/bonus_agent/internal/cdpcontrol"
)

func detachedAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

type osProcesses struct {
	grace time.Duration
}

func newOSProcesses() Processes {
	return osProcesses{grace: 5 * time.Second}
}

// Kill sends SIGTERM, falling back to SIGKILL after the grace period.
func (p osProcesses) Kill(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	err := cdpcontrol.Poll(context.Background(), p.grace, 100*time.Millisecond, func(context.Context) (bool, error) {
		return !p.Alive(pid), nil
	})
	if err == nil {
		return nil
	}
	slog.Warn("browser did not exit, sending SIGKILL", "pid", pid)
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}

func (osProcesses) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// ListeningPID asks lsof for the listener on port. lsof exits non-zero when
// nothing matches, which is not an error here.
func (osProcesses) ListeningPID(port int) (int, error) {
	out, err := exec.Command("lsof", "-nP", "-iTCP:"+strconv.Itoa(port), "-sTCP:LISTEN", "-t").Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(out) == 0 {
			return 0, nil
		}
		return 0, fmt.Errorf("lsof: %w", err)
	}
	return parseLsofPIDs(string(out)), nil
}
