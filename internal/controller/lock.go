package controller

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dgnsrekt/bonus_agent/internal/cdpcontrol"
)

// runLock is a lock file holding the owner's PID. A lock whose owner is gone
// is stale and gets taken over.
type runLock struct {
	path string
	pid  int
}

func acquireRunLock(path string, alive func(int) bool) (*runLock, error) {
	if strings.TrimSpace(path) == "" {
		return &runLock{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	pid := os.Getpid()
	for attempt := 0; attempt < 2; attempt++ {
		err := createLockFile(path, pid)
		if err == nil {
			return &runLock{path: path, pid: pid}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		seen, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read lock file: %w", err)
		}
		if owner := parseLockOwner(seen); owner > 0 && alive(owner) {
			return nil, cdpcontrol.NewError(cdpcontrol.CodeRunInProgress,
				fmt.Sprintf("another run (pid %d) holds %s", owner, path), nil)
		}
		if err := takeOverStale(path, seen); err != nil {
			return nil, err
		}
	}
	return nil, cdpcontrol.NewError(cdpcontrol.CodeRunInProgress, "lock file keeps reappearing: "+path, nil)
}

// createLockFile writes the PID to a temp file and hard-links it into place,
// so the lock never exists without its owner and never clobbers another one.
func createLockFile(path string, pid int) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	_, werr := tmp.WriteString(strconv.Itoa(pid))
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("write lock file: %w", werr)
	}
	return os.Link(tmp.Name(), path)
}

// takeOverStale moves the stale lock aside before deleting it. When the file
// moved is not the one judged stale, another run replaced it in between; that
// lock is put back and the caller backs off.
func takeOverStale(path string, seen []byte) error {
	aside := fmt.Sprintf("%s.stale-%d", path, os.Getpid())
	if err := os.Rename(path, aside); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("move stale lock file: %w", err)
	}
	defer os.Remove(aside)

	got, err := os.ReadFile(aside)
	if err != nil {
		return fmt.Errorf("read stale lock file: %w", err)
	}
	if !bytes.Equal(got, seen) {
		if lerr := os.Link(aside, path); lerr != nil && !errors.Is(lerr, os.ErrExist) {
			return fmt.Errorf("restore lock file: %w", lerr)
		}
		return cdpcontrol.NewError(cdpcontrol.CodeRunInProgress,
			fmt.Sprintf("another run took %s while its stale lock was replaced", path), nil)
	}
	return nil
}

// parseLockOwner returns 0 for a malformed lock.
func parseLockOwner(data []byte) int {
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// release removes the lock only while it still names this run.
func (l *runLock) release() error {
	if l == nil || l.path == "" {
		return nil
	}
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if owner := parseLockOwner(data); owner != l.pid {
		return fmt.Errorf("lock file %s now belongs to pid %d; leaving it", l.path, owner)
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
