package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgnsrekt/bonus_agent/internal/browser"
	"github.com/dgnsrekt/bonus_agent/internal/config"
	"github.com/dgnsrekt/bonus_agent/internal/controller"
	"github.com/dgnsrekt/bonus_agent/internal/history"
	"github.com/dgnsrekt/bonus_agent/internal/logging"
	"github.com/dgnsrekt/bonus_agent/internal/notify"
	"github.com/dgnsrekt/bonus_agent/internal/selectors"
	"github.com/spf13/cobra"
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	code := controller.ExitOK
	root := newRootCmd(&code)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		return controller.ExitFailure
	}
	return code
}

// runFlags are the overrides shared by the claim and serve commands.
type runFlags struct {
	forceRestart  bool
	reuseChrome   bool
	stopOnExit    bool
	headless      bool
	port          int
	url           string
	browserPath   string
	selectorsFile string
}

func (f *runFlags) register(cmd *cobra.Command) {
	fs := cmd.PersistentFlags()
	fs.BoolVar(&f.forceRestart, "force-restart", false, "start a fresh Chrome instance, killing whatever owns the debug port")
	fs.BoolVar(&f.reuseChrome, "reuse-chrome", false, "attach to a running Chrome instance if there is one (default)")
	fs.BoolVar(&f.stopOnExit, "stop-chrome-on-exit", false, "stop the Chrome instance when the run ends")
	fs.BoolVar(&f.headless, "headless", false, "launch Chrome headless (only applies to a fresh launch)")
	fs.IntVar(&f.port, "port", config.DefaultDebugPort, "Chrome remote debugging port")
	fs.StringVar(&f.url, "url", config.DefaultTargetURL, "page that shows the daily bonus")
	fs.StringVar(&f.browserPath, "browser-path", "", "Chrome executable (default: BONUS_BROWSER_PATH or auto-detect)")
	fs.StringVar(&f.selectorsFile, "selectors", "", "YAML file overriding the built-in selectors")
	cmd.MarkFlagsMutuallyExclusive("force-restart", "reuse-chrome")
}

// apply copies explicitly set flags over the environment configuration.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.RunConfig) {
	changed := cmd.Flags().Changed
	if changed("force-restart") {
		cfg.ForceRestart = f.forceRestart
	}
	if changed("reuse-chrome") && f.reuseChrome {
		cfg.ForceRestart = false
	}
	if changed("stop-chrome-on-exit") {
		cfg.StopOnExit = f.stopOnExit
	}
	if changed("headless") {
		cfg.Headless = f.headless
	}
	if changed("port") {
		cfg.DebugPort = f.port
	}
	if changed("url") {
		cfg.TargetURL = f.url
	}
	if changed("browser-path") {
		cfg.BrowserPath = f.browserPath
	}
	if changed("selectors") {
		cfg.SelectorsFile = f.selectorsFile
	}
}

func newRootCmd(code *int) *cobra.Command {
	flags := &runFlags{}
	root := &cobra.Command{
		Use:   "bonus_agent",
		Short: "Claim the daily bonus through a remote-debugging Chrome session",
		Long: `Claim the daily bonus through a Chrome instance controlled over the
DevTools protocol.

A Chrome already listening on the debug port is reused unless --force-restart
is given. When the profile is signed out the run ends with exit code 3 and
Chrome is left open for a manual login.

Exit codes:
  0  claimed, or already claimed (cooldown)
  1  failure
  3  manual login required
  4  another run is in progress`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := prepare(cmd, flags)
			if err != nil {
				*code = controller.ExitFailure
				return nil
			}
			defer env.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := env.svc.Claim(ctx, env.cfg)
			*code = controller.ExitCode(res, err)
			slog.Info("bonus_agent finished", "source", "main", "exit_code", *code)
			return nil
		},
	}
	flags.register(root)
	root.AddCommand(newServeCmd(flags, code))
	root.AddCommand(newHistoryCmd())
	return root
}

// runEnv is everything a claim needs once configuration has been resolved.
type runEnv struct {
	cfg     config.RunConfig
	svc     *controller.Service
	journal *history.Journal
	closers []io.Closer
}

func (e *runEnv) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i].Close()
	}
}

// resolveConfig layers command-line flags over the environment and validates
// the merged result.
func resolveConfig(cmd *cobra.Command, flags *runFlags) (config.RunConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.RunConfig{}, err
	}
	flags.apply(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return config.RunConfig{}, err
	}
	return cfg, nil
}

// prepare loads configuration, sets up logging and runs the pre-flight
// checks. A missing browser executable fails here, before any browser work.
func prepare(cmd *cobra.Command, flags *runFlags) (*runEnv, error) {
	cfg, err := resolveConfig(cmd, flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return nil, err
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		return nil, err
	}
	env := &runEnv{closers: []io.Closer{logCloser}}
	log := logging.For("main")

	path, err := browser.ResolveExecutable(cfg.BrowserPath)
	if err != nil {
		log.Error("Browser executable not available", "error", err)
		env.close()
		return nil, err
	}
	cfg.BrowserPath = path

	sel, err := selectors.Load(cfg.SelectorsFile)
	if err != nil {
		log.Error("Failed to load selectors", "path", cfg.SelectorsFile, "error", err)
		env.close()
		return nil, err
	}

	if cfg.HistoryFile != "" {
		j, err := history.Open(cfg.HistoryFile)
		if err != nil {
			log.Warn("Run history disabled", "error", err)
		} else {
			env.journal = j
			env.closers = append(env.closers, j)
		}
	}

	log.Info("bonus_agent config loaded",
		"target_url", cfg.TargetURL,
		"debug_port", cfg.DebugPort,
		"browser", cfg.BrowserPath,
		"profile_dir", cfg.ProfileDir,
		"force_restart", cfg.ForceRestart,
		"stop_on_exit", cfg.StopOnExit,
		"notify", cfg.NotifyURL != "",
	)

	env.cfg = cfg
	env.svc = controller.NewService(browser.NewManager(), sel,
		controller.WithNotifier(notify.New(cfg.NotifyURL, nil)),
		controller.WithJournal(env.journal),
	)
	return env, nil
}
