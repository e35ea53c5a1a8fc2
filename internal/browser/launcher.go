package browser

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/dgnsrekt/bonus_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/bonus_agent/internal/config"
)

// LaunchSpec is everything needed to start one browser process.
type LaunchSpec struct {
	Path string
	Args []string
}

var candidateNames = []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable", "chrome"}

// ResolveExecutable returns the browser binary to launch. An explicit path
// must exist; otherwise well-known names and install locations are tried.
func ResolveExecutable(explicit string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		info, err := os.Stat(explicit)
		if err != nil {
			return "", cdpcontrol.NewError(cdpcontrol.CodeDriverMissing, "browser executable not found: "+explicit, err)
		}
		if info.IsDir() {
			return "", cdpcontrol.NewError(cdpcontrol.CodeDriverMissing, "browser executable is a directory: "+explicit, nil)
		}
		return explicit, nil
	}

	for _, name := range candidateNames {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	for _, path := range platformPaths() {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", cdpcontrol.NewError(cdpcontrol.CodeDriverMissing,
		"no supported browser found (tried "+strings.Join(candidateNames, ", ")+"); set BONUS_BROWSER_PATH", nil)
}

func platformPaths() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"}
	case "windows":
		return []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		}
	default:
		return nil
	}
}

// launchArgs builds the command line for a fresh instance bound to the debug port.
func launchArgs(cfg config.RunConfig) []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(cfg.DebugPort),
		"--remote-debugging-address=" + cfg.DebugAddress,
		"--user-data-dir=" + cfg.ProfileDir,
		"--no-first-run",
		"--no-default-browser-check",
	}
	if cfg.Headless {
		args = append(args, "--headless=new")
	}
	return args
}

// startProcess spawns the browser detached from our process group, so the
// browser survives this run when it is meant to be reused.
func startProcess(_ context.Context, spec LaunchSpec) (int, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.SysProcAttr = detachedAttrs()
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start browser: %w", err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// cdpReady reports whether the /json/version endpoint answers.
func cdpReady(ctx context.Context, cdpURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cdpURL+"/json/version", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	return nil
}

func ensureParent(path string) error {
	return ensureDir(filepath.Dir(path))
}
