// Package controller runs one complete daily bonus claim end to end.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/bonus_agent/internal/browser"
	"github.com/dgnsrekt/bonus_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/bonus_agent/internal/config"
	"github.com/dgnsrekt/bonus_agent/internal/history"
	"github.com/dgnsrekt/bonus_agent/internal/notify"
	"github.com/dgnsrekt/bonus_agent/internal/selectors"
	"github.com/dgnsrekt/bonus_agent/internal/workflow"
)

const actionTimeout = 30 * time.Second

// Exit codes of the command line tool.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitManualLogin = 3
	ExitRunning     = 4
)

// Browsers acquires and releases the browser on the debug port.
type Browsers interface {
	Acquire(ctx context.Context, cfg config.RunConfig) (browser.Handle, error)
	Release(ctx context.Context, h browser.Handle, cfg config.RunConfig) error
}

// Session is an attached automation client.
type Session interface {
	workflow.Page
	Connect(ctx context.Context) error
	Close() error
}

// Runner executes the claim state machine on an attached page.
type Runner interface {
	Run(ctx context.Context, targetURL string, forceRestart bool) (workflow.Result, error)
}

// Notifier receives the one-line summary of every run.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Journal records finished runs.
type Journal interface {
	Append(r history.Record) error
}

// Status is the last finished run.
type Status struct {
	Record history.Record
	Result workflow.Result
	Err    error
}

// Service serialises claim runs and keeps the last result.
type Service struct {
	browsers   Browsers
	sel        selectors.Table
	newSession func(cdpURL, tabFilter string) Session
	newRunner  func(page workflow.Page, sel selectors.Table) Runner
	notifier   Notifier
	journal    Journal
	alive      func(pid int) bool
	now        func() time.Time

	runMu sync.Mutex

	mu   sync.RWMutex
	last *Status

	log *slog.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithNotifier sends a summary after every run.
func WithNotifier(n *notify.Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithJournal records every run.
func WithJournal(j *history.Journal) Option {
	return func(s *Service) {
		if j != nil {
			s.journal = j
		}
	}
}

// NewService wires the real browser manager and automation client.
func NewService(browsers Browsers, sel selectors.Table, opts ...Option) *Service {
	s := &Service{
		browsers: browsers,
		sel:      sel,
		newSession: func(cdpURL, tabFilter string) Session {
			return cdpcontrol.NewClient(cdpURL, tabFilter, actionTimeout)
		},
		newRunner: func(page workflow.Page, sel selectors.Table) Runner {
			return workflow.New(page, sel)
		},
		alive: browser.ProcessAlive,
		now:   time.Now,
		log:   slog.Default().With("source", "controller"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Claim performs one full run: lock, acquire, connect, claim, release, unlock
// and notify. Only one run may be active per process and per lock file.
func (s *Service) Claim(ctx context.Context, cfg config.RunConfig) (workflow.Result, error) {
	if !s.runMu.TryLock() {
		return workflow.Result{}, cdpcontrol.NewError(cdpcontrol.CodeRunInProgress, "a claim run is already in progress", nil)
	}
	defer s.runMu.Unlock()

	lock, err := acquireRunLock(cfg.LockFile, s.alive)
	if err != nil {
		s.log.Error("Could not take the run lock", "path", cfg.LockFile, "error", err)
		return workflow.Result{}, err
	}
	defer func() {
		if err := lock.release(); err != nil {
			s.log.Warn("Failed to remove run lock", "path", cfg.LockFile, "error", err)
		}
	}()

	rec := history.Record{ID: history.NewID(), ForceRestart: cfg.ForceRestart, StopOnExit: cfg.StopOnExit, StartedAt: s.now()}
	log := s.log.With("run_id", rec.ID)

	res, err := s.run(ctx, cfg, log)
	if err != nil {
		log.Error("Daily bonus run failed", "error", err)
	}
	s.finish(ctx, rec, res, err, log)
	return res, err
}

func (s *Service) run(ctx context.Context, cfg config.RunConfig, log *slog.Logger) (workflow.Result, error) {
	h, err := s.browsers.Acquire(ctx, cfg)
	if err != nil {
		return workflow.Result{}, err
	}

	sess := s.newSession(h.CDPURL(), cdpcontrol.TabFilterFor(cfg.TargetURL))
	var res workflow.Result
	if err = sess.Connect(ctx); err == nil {
		res, err = s.newRunner(sess, s.sel).Run(ctx, cfg.TargetURL, cfg.ForceRestart)
	}
	if cerr := sess.Close(); cerr != nil {
		log.Debug("closing automation session failed", "error", cerr)
	}

	releaseCfg := cfg
	if err == nil && res.Outcome == workflow.OutcomeManualLoginRequired && releaseCfg.StopOnExit {
		log.Info("Leaving Chrome running so the login can be completed")
		releaseCfg.StopOnExit = false
	}
	if rerr := s.browsers.Release(ctx, h, releaseCfg); rerr != nil {
		log.Warn("Failed to release Chrome", "error", rerr)
	}
	return res, err
}

func (s *Service) finish(ctx context.Context, rec history.Record, res workflow.Result, err error, log *slog.Logger) {
	rec.FinishedAt = s.now()
	if err != nil {
		rec.Error = err.Error()
		var coded *cdpcontrol.CodedError
		if errors.As(err, &coded) {
			rec.ErrorCode = coded.Code
		} else {
			rec.ErrorCode = cdpcontrol.CodeAutomationFailure
		}
	} else {
		rec.Outcome = string(res.Outcome)
		rec.NextAvailable = res.NextAvailable
	}

	s.mu.Lock()
	s.last = &Status{Record: rec, Result: res, Err: err}
	s.mu.Unlock()

	if s.journal != nil {
		if jerr := s.journal.Append(rec); jerr != nil {
			log.Warn("Failed to record run history", "error", jerr)
		}
	}
	if s.notifier != nil {
		if nerr := s.notifier.Notify(ctx, notify.Summary(res, err)); nerr != nil {
			log.Warn("Failed to send notification", "error", nerr)
		}
	}
}

// Last returns the most recent finished run, if any.
func (s *Service) Last() (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Status{}, false
	}
	return *s.last, true
}

// ExitCode maps the result of a run to the process exit status.
func ExitCode(res workflow.Result, err error) int {
	if err != nil {
		if cdpcontrol.HasCode(err, cdpcontrol.CodeRunInProgress) {
			return ExitRunning
		}
		return ExitFailure
	}
	if res.Outcome == workflow.OutcomeManualLoginRequired {
		return ExitManualLogin
	}
	return ExitOK
}
