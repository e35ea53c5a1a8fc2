// Package auth decides whether the browser profile is signed in to the bonus site.
package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgnsrekt/bonus_agent/internal/cdpcontrol"
)

// LoginWait bounds the search for the login control.
const LoginWait = 3 * time.Second

// Finder is the lookup the checker needs from the automation client.
type Finder interface {
	Find(ctx context.Context, selector string, timeout time.Duration) (cdpcontrol.Element, error)
}

// Checker treats a visible login control as "signed out". Its absence after
// LoginWait counts as signed in.
type Checker struct {
	page          Finder
	loginSelector string
	wait          time.Duration
	log           *slog.Logger
}

// NewChecker builds a Checker that looks for loginSelector on page.
func NewChecker(page Finder, loginSelector string) *Checker {
	return &Checker{
		page:          page,
		loginSelector: loginSelector,
		wait:          LoginWait,
		log:           slog.Default().With("source", "auth"),
	}
}

// IsAuthenticated reports whether the current page shows a signed-in session.
// Lookup failures other than "not found" are returned unchanged.
func (c *Checker) IsAuthenticated(ctx context.Context) (bool, error) {
	_, err := c.page.Find(ctx, c.loginSelector, c.wait)
	switch {
	case err == nil:
		c.log.Info("Login button detected; login is required")
		return false, nil
	case cdpcontrol.HasCode(err, cdpcontrol.CodeElementNotFound):
		c.log.Debug("No login button detected; assuming user is already logged in")
		return true, nil
	default:
		return false, err
	}
}
