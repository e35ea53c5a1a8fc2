// Package workflow drives one daily bonus claim on an attached page.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgnsrekt/bonus_agent/internal/auth"
	"github.com/dgnsrekt/bonus_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/bonus_agent/internal/selectors"
)

// Outcome is how a run that did not fail ended.
type Outcome string

const (
	OutcomeClaimed             Outcome = "claimed"
	OutcomeCooldown            Outcome = "cooldown"
	OutcomeManualLoginRequired Outcome = "manual_login_required"
)

// DialogState classifies the claim dialog. It is derived fresh on every look.
type DialogState int

const (
	DialogNotPresent DialogState = iota
	DialogClaimable
	DialogCooldown
)

func (s DialogState) String() string {
	switch s {
	case DialogClaimable:
		return "open_claimable"
	case DialogCooldown:
		return "open_cooldown"
	default:
		return "not_present"
	}
}

// Result is the terminal state of a run that did not fail.
type Result struct {
	Outcome Outcome `json:"outcome"`
	// NextAvailable is set for a cooldown whose timestamp could be parsed.
	NextAvailable *time.Time `json:"next_available,omitempty"`
	// CooldownText is the raw cooldown text from the dialog.
	CooldownText string    `json:"cooldown_text,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Page is the subset of the automation client the workflow drives.
type Page interface {
	auth.Finder
	Navigate(ctx context.Context, url string) error
	FindWithin(ctx context.Context, parent cdpcontrol.Element, selector string, timeout time.Duration) (cdpcontrol.Element, error)
	IsVisible(ctx context.Context, selector string, timeout time.Duration) bool
	ClickViaScript(ctx context.Context, el cdpcontrol.Element) error
	HoverClick(ctx context.Context, el cdpcontrol.Element, pause time.Duration) error
	TextOf(ctx context.Context, el cdpcontrol.Element) (string, error)
	OuterHTML(ctx context.Context, el cdpcontrol.Element) (string, error)
}

const (
	visibleCheck  = time.Second
	triggerWait   = 10 * time.Second
	childWait     = 2 * time.Second
	hoverPause    = 500 * time.Millisecond
	htmlSnippetSz = 2000
)

// DialogTimeout is how long to wait for the dialog after clicking the trigger.
// A reused browser may have a throttled background tab and gets more slack.
func DialogTimeout(forceRestart bool) time.Duration {
	if forceRestart {
		return 5 * time.Second
	}
	return 15 * time.Second
}

// Workflow is the claim state machine:
// Init -> Authenticated -> DialogResolving -> {Cooldown, Claimed},
// with a side exit from Init to ManualLoginRequired.
type Workflow struct {
	page Page
	sel  selectors.Table
	auth *auth.Checker
	loc  *time.Location
	now  func() time.Time
	log  *slog.Logger
}

// New returns a Workflow driving page with the given selectors.
func New(page Page, sel selectors.Table) *Workflow {
	return &Workflow{
		page: page,
		sel:  sel,
		auth: auth.NewChecker(page, sel.Login),
		loc:  time.Local,
		now:  time.Now,
		log:  slog.Default().With("source", "workflow"),
	}
}

// Run navigates to targetURL and resolves the daily bonus. ManualLoginRequired
// is a Result, not an error; every error ends the run.
func (w *Workflow) Run(ctx context.Context, targetURL string, forceRestart bool) (Result, error) {
	res := Result{StartedAt: w.now()}
	finish := func(o Outcome) (Result, error) {
		res.Outcome = o
		res.FinishedAt = w.now()
		return res, nil
	}

	if err := w.page.Navigate(ctx, targetURL); err != nil {
		return Result{}, err
	}
	w.log.Info("Navigated to " + targetURL)

	ok, err := w.auth.IsAuthenticated(ctx)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		w.log.Info("Login required, exiting script.")
		w.log.Info("Please log in manually in the Chrome window before retrying bonus claim.")
		return finish(OutcomeManualLoginRequired)
	}

	dialog, err := w.resolveDialog(ctx, forceRestart)
	if err != nil {
		return Result{}, err
	}

	state, notice := w.classify(ctx, dialog)
	w.log.Debug("claim dialog state", "state", state.String())
	if state == DialogCooldown {
		res.CooldownText = notice.Raw
		if notice.parsed() {
			next := notice.Next
			res.NextAvailable = &next
			w.log.Warn("Daily cannot be claimed before " + next.Format(TimestampLayout))
		} else {
			w.log.Warn(fmt.Sprintf("Could not parse next claim time: %q", notice.Raw))
		}
		return finish(OutcomeCooldown)
	}

	if err := w.claim(ctx, dialog); err != nil {
		return Result{}, err
	}
	w.log.Info("Daily bonus claim sequence completed successfully")
	return finish(OutcomeClaimed)
}

// resolveDialog returns the open claim dialog. An already visible dialog
// always wins over clicking the trigger.
func (w *Workflow) resolveDialog(ctx context.Context, forceRestart bool) (cdpcontrol.Element, error) {
	w.log.Debug("Checking if claim dialog is visible")
	if w.page.IsVisible(ctx, w.sel.Dialog, visibleCheck) {
		w.log.Info("Claim dialog is already visible")
		return w.page.Find(ctx, w.sel.Dialog, visibleCheck)
	}
	if err := ctx.Err(); err != nil {
		return cdpcontrol.Element{}, interrupted(err)
	}
	w.log.Info("Claim dialog is not visible; opening via trigger")

	if err := w.clickTrigger(ctx); err != nil {
		return cdpcontrol.Element{}, err
	}

	timeout := DialogTimeout(forceRestart)
	w.log.Info("Waiting for claim dialog to open")
	if !w.page.IsVisible(ctx, w.sel.Dialog, timeout) {
		if err := ctx.Err(); err != nil {
			return cdpcontrol.Element{}, interrupted(err)
		}
		w.log.Warn(fmt.Sprintf("Claim dialog did not show up within %d seconds", int(timeout/time.Second)))
		return cdpcontrol.Element{}, cdpcontrol.NewError(cdpcontrol.CodeDialogTimeout,
			fmt.Sprintf("claim dialog not visible within %s", timeout), nil)
	}
	w.log.Info("Claim dialog is open")
	return w.page.Find(ctx, w.sel.Dialog, visibleCheck)
}

func (w *Workflow) clickTrigger(ctx context.Context) error {
	w.log.Info("Looking for bonus trigger")
	section, err := w.page.Find(ctx, w.sel.TriggerSection, triggerWait)
	if err != nil {
		return err
	}
	trigger, err := w.page.FindWithin(ctx, section, w.sel.Trigger, triggerWait)
	if err != nil {
		if cdpcontrol.HasCode(err, cdpcontrol.CodeElementNotFound) {
			if html, herr := w.page.OuterHTML(ctx, section); herr == nil {
				w.log.Warn("Bonus trigger not found; header section HTML snippet:\n" + snippet(html))
			} else {
				w.log.Error("Failed to capture header section HTML when trigger was missing", "error", herr)
			}
		}
		return err
	}
	// The trigger gets a real pointer; the claim button does not, since moving
	// the mouse can close the dialog.
	w.log.Info("Hovering over and clicking bonus trigger")
	return w.page.HoverClick(ctx, trigger, hoverPause)
}

// classify reads the dialog message. A missing message block reads as empty,
// which makes the dialog claimable.
func (w *Workflow) classify(ctx context.Context, dialog cdpcontrol.Element) (DialogState, cooldownNotice) {
	w.log.Debug("Looking for claim dialog message")
	var message string
	if el, err := w.page.FindWithin(ctx, dialog, w.sel.DialogMessage, childWait); err == nil {
		text, terr := w.page.TextOf(ctx, el)
		if terr != nil {
			w.log.Debug("reading claim dialog message failed", "error", terr)
		}
		message = text
	}
	w.log.Debug("Claim dialog message:\n" + message)

	notice, ok := parseCooldown(message, w.loc)
	if !ok {
		w.log.Info("No next availability time message")
		return DialogClaimable, cooldownNotice{}
	}
	return DialogCooldown, notice
}

// claim clicks the primary button, matched by style class and never by its
// label, so it keeps working in every interface language.
func (w *Workflow) claim(ctx context.Context, dialog cdpcontrol.Element) error {
	w.log.Info("Looking for claim button")
	btn, err := w.page.FindWithin(ctx, dialog, w.sel.ClaimButton, childWait)
	if err != nil {
		w.log.Error("Error when trying to click claim button", "error", err)
		return err
	}
	if label, err := w.page.TextOf(ctx, btn); err == nil {
		w.log.Debug(fmt.Sprintf("Claim button text: %q", label))
	}
	w.log.Info("Clicking claim button via JavaScript")
	if err := w.page.ClickViaScript(ctx, btn); err != nil {
		w.log.Error("Error when trying to click claim button", "error", err)
		return err
	}
	w.log.Info("Successfully clicked claim button")
	return nil
}

// interrupted wraps a cancellation seen while waiting for the dialog.
func interrupted(err error) error {
	return cdpcontrol.NewError(cdpcontrol.CodeAutomationFailure, "run interrupted while waiting for the claim dialog", err)
}

func snippet(html string) string {
	if len(html) <= htmlSnippetSz {
		return html
	}
	return html[:htmlSnippetSz]
}
