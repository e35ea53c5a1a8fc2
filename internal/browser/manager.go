package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/dgnsrekt/bonus_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/bonus_agent/internal/config"
	"github.com/dgnsrekt/bonus_agent/internal/netutil"
)

// Handle identifies the browser instance targeted by a run.
type Handle struct {
	Address string
	Port    int
	// PID is 0 when a reused instance was not started by us and no PID file
	// was recorded.
	PID int
	// Launched is true when this run spawned the process.
	Launched bool
}

// CDPURL returns the HTTP endpoint of the handle's debug port.
func (h Handle) CDPURL() string {
	return "http://" + net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

// Manager decides between reusing and launching a browser on the debug port,
// and stops it at the end of a run when asked to.
type Manager struct {
	portOpen     func(address string, port int) bool
	ready        func(ctx context.Context, cdpURL string) bool
	launch       func(ctx context.Context, spec LaunchSpec) (int, error)
	closeBrowser func(ctx context.Context, cdpURL string) error
	procs        Processes

	pollInterval   time.Duration
	readyTimeout   time.Duration
	releaseTimeout time.Duration
	log            *slog.Logger
}

// NewManager returns a Manager backed by real processes and sockets.
func NewManager() *Manager {
	return &Manager{
		portOpen: func(address string, port int) bool {
			return netutil.IsPortOpen(address, port, time.Second)
		},
		ready:          cdpReady,
		launch:         startProcess,
		closeBrowser:   closeViaCDP,
		procs:          newOSProcesses(),
		pollInterval:   cdpcontrol.DefaultPollInterval,
		readyTimeout:   10 * time.Second,
		releaseTimeout: 5 * time.Second,
		log:            slog.Default().With("source", "browser"),
	}
}

// Acquire returns a browser listening on cfg's debug port.
//
// ForceRestart terminates whatever owns the port and always launches fresh.
// Otherwise an open port is reused as is and a closed one gets a new instance.
func (m *Manager) Acquire(ctx context.Context, cfg config.RunConfig) (Handle, error) {
	h := Handle{Address: cfg.DebugAddress, Port: cfg.DebugPort}
	m.log.Info("Option force_restart=" + strconv.FormatBool(cfg.ForceRestart))

	if cfg.ForceRestart {
		if err := m.terminateExisting(ctx, cfg); err != nil {
			m.log.Error("Failed to stop existing Chrome instance; aborting.", "error", err)
			return Handle{}, cdpcontrol.NewError(cdpcontrol.CodeBrowserUnavailable, "failed to stop existing browser", err)
		}
		pid, err := m.launchAndWait(ctx, cfg)
		if err != nil {
			return Handle{}, err
		}
		m.log.Info(fmt.Sprintf("Restarting Chrome with remote debugging on port %d", cfg.DebugPort), "pid", pid)
		h.PID, h.Launched = pid, true
		return h, nil
	}

	if m.portOpen(cfg.DebugAddress, cfg.DebugPort) {
		m.log.Info(fmt.Sprintf("Port %d is open; Reusing existing Chrome instance through this debug port", cfg.DebugPort))
		pid, err := readPIDFile(cfg.PIDFile)
		if err != nil {
			m.log.Warn("Failed to read Chrome PID file", "path", cfg.PIDFile, "error", err)
		}
		h.PID = pid
		return h, nil
	}

	m.log.Info(fmt.Sprintf("Port %d is not open; starting a new Chrome instance", cfg.DebugPort))
	pid, err := m.launchAndWait(ctx, cfg)
	if err != nil {
		return Handle{}, err
	}
	h.PID, h.Launched = pid, true
	return h, nil
}

// Release stops the browser only when StopOnExit is set. Otherwise the
// instance stays up for the next run or for manual use.
func (m *Manager) Release(ctx context.Context, h Handle, cfg config.RunConfig) error {
	m.log.Info("Option stop_chrome_on_exit=" + strconv.FormatBool(cfg.StopOnExit))
	if !cfg.StopOnExit {
		return nil
	}

	m.log.Info("Trying to close Chrome via DevTools Browser.close")
	closeCtx, cancel := context.WithTimeout(ctx, m.releaseTimeout)
	err := m.closeBrowser(closeCtx, h.CDPURL())
	cancel()
	if err == nil {
		if werr := m.waitPortClosed(ctx, cfg); werr == nil {
			m.clearPIDFile(cfg)
			return nil
		}
		m.log.Warn("Chrome still listening after Browser.close; falling back to PID")
	} else {
		m.log.Error("Error while closing Chrome via DevTools", "error", err)
	}

	pid := h.PID
	if pid == 0 {
		var rerr error
		if pid, rerr = readPIDFile(cfg.PIDFile); rerr != nil {
			m.log.Warn("Failed to read Chrome PID file", "path", cfg.PIDFile, "error", rerr)
		}
	}
	if pid == 0 {
		m.log.Warn("No Chrome PID known; skipping PID-based stop")
		return nil
	}
	m.log.Info(fmt.Sprintf("Stopping Chrome started by the script using PID: %d", pid))
	if err := m.procs.Kill(pid); err != nil {
		m.log.Error("Error while stopping Chrome process by PID", "pid", pid, "error", err)
		return cdpcontrol.NewError(cdpcontrol.CodeBrowserUnavailable, "failed to stop browser", err)
	}
	m.clearPIDFile(cfg)
	return nil
}

// terminateExisting stops the instance recorded in the PID file, then
// whatever still listens on the debug port, and waits for the port to free up.
func (m *Manager) terminateExisting(ctx context.Context, cfg config.RunConfig) error {
	m.log.Info("Attempting to close Chrome associated with this script...")

	pid, err := readPIDFile(cfg.PIDFile)
	if err != nil {
		m.log.Warn("Failed to read Chrome PID file", "path", cfg.PIDFile, "error", err)
	}
	if pid > 0 && m.procs.Alive(pid) {
		m.log.Info(fmt.Sprintf("Attempting to terminate Chrome by PID from pid file: %d", pid))
		if err := m.procs.Kill(pid); err != nil {
			m.log.Warn("Stopping PID from pid file failed; will try fallback by port", "pid", pid, "error", err)
		} else if m.waitPortClosed(ctx, cfg) == nil {
			m.clearPIDFile(cfg)
			return nil
		}
	}

	if m.portOpen(cfg.DebugAddress, cfg.DebugPort) {
		owner, err := m.procs.ListeningPID(cfg.DebugPort)
		if err != nil {
			return fmt.Errorf("locate process on port %d: %w", cfg.DebugPort, err)
		}
		if owner == 0 {
			return fmt.Errorf("port %d is open but its owner could not be found", cfg.DebugPort)
		}
		m.log.Info(fmt.Sprintf("Attempting to terminate Chrome listening on port %d (PID %d)", cfg.DebugPort, owner))
		if err := m.procs.Kill(owner); err != nil {
			return fmt.Errorf("stop pid %d: %w", owner, err)
		}
	} else {
		m.log.Info(fmt.Sprintf("No process found listening on port %d; nothing to terminate.", cfg.DebugPort))
	}

	if err := m.waitPortClosed(ctx, cfg); err != nil {
		return err
	}
	m.clearPIDFile(cfg)
	return nil
}

func (m *Manager) launchAndWait(ctx context.Context, cfg config.RunConfig) (int, error) {
	m.log.Info(fmt.Sprintf("Starting Chrome with remote debugging on port %d", cfg.DebugPort))
	if err := ensureDir(cfg.ProfileDir); err != nil {
		return 0, cdpcontrol.NewError(cdpcontrol.CodeBrowserUnavailable, "prepare profile dir", err)
	}

	pid, err := m.launch(ctx, LaunchSpec{Path: cfg.BrowserPath, Args: launchArgs(cfg)})
	if err != nil {
		m.log.Error("Failed to start Chrome. Please check if Chrome is installed.", "path", cfg.BrowserPath, "error", err)
		return 0, cdpcontrol.NewError(cdpcontrol.CodeBrowserUnavailable, "failed to start browser", err)
	}
	if err := writePIDFile(cfg.PIDFile, pid); err != nil {
		m.log.Warn("Failed to write Chrome PID file", "path", cfg.PIDFile, "error", err)
	}

	cdpURL := cfg.CDPURL()
	err = cdpcontrol.Poll(ctx, m.readyTimeout, m.pollInterval, func(ctx context.Context) (bool, error) {
		return m.ready(ctx, cdpURL), nil
	})
	if err != nil {
		m.log.Error("Chrome did not start within timeout", "pid", pid, "timeout", m.readyTimeout)
		if kerr := m.procs.Kill(pid); kerr != nil {
			m.log.Debug("cleanup of unready browser failed", "pid", pid, "error", kerr)
		}
		if errors.Is(err, cdpcontrol.ErrPollTimeout) {
			return 0, cdpcontrol.NewError(cdpcontrol.CodeBrowserUnavailable,
				fmt.Sprintf("CDP did not become ready within %s at %s", m.readyTimeout, cdpURL), nil)
		}
		return 0, cdpcontrol.NewError(cdpcontrol.CodeBrowserUnavailable, "waiting for CDP", err)
	}
	m.log.Info("Chrome started successfully", "pid", pid)
	return pid, nil
}

func (m *Manager) waitPortClosed(ctx context.Context, cfg config.RunConfig) error {
	err := cdpcontrol.Poll(ctx, m.releaseTimeout, m.pollInterval, func(context.Context) (bool, error) {
		return !m.portOpen(cfg.DebugAddress, cfg.DebugPort), nil
	})
	if errors.Is(err, cdpcontrol.ErrPollTimeout) {
		return fmt.Errorf("port %d still open after %s", cfg.DebugPort, m.releaseTimeout)
	}
	return err
}

func (m *Manager) clearPIDFile(cfg config.RunConfig) {
	if err := removePIDFile(cfg.PIDFile); err != nil {
		m.log.Debug("remove pid file failed", "path", cfg.PIDFile, "error", err)
	}
}

func closeViaCDP(ctx context.Context, cdpURL string) error {
	conn, err := cdpcontrol.DialBrowser(ctx, cdpURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	if v, verr := conn.Version(ctx); verr == nil {
		slog.Debug("closing browser", "product", v.Product, "protocol", v.ProtocolVersion)
	}
	return conn.CloseBrowser(ctx)
}
