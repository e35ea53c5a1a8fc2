package controller

import (
	"context"
	"fmt"

	"github.com/dgnsrekt/bonus_agent/internal/config"
	"github.com/dgnsrekt/bonus_agent/internal/history"
)

// RunLog reads back recorded runs.
type RunLog interface {
	Recent(limit int) ([]history.Record, error)
	Get(id string) (history.Record, error)
}

// Endpoint serves claim runs with a fixed base configuration, for serve mode.
type Endpoint struct {
	svc  *Service
	base config.RunConfig
	runs RunLog
}

// NewEndpoint returns an Endpoint. runs may be nil when no journal is kept.
func NewEndpoint(svc *Service, base config.RunConfig, runs *history.Journal) *Endpoint {
	e := &Endpoint{svc: svc, base: base}
	if runs != nil {
		e.runs = runs
	}
	return e
}

// Claim runs with the base configuration plus the given overrides. The run is
// detached from ctx so a dropped HTTP client cannot abort it halfway.
func (e *Endpoint) Claim(ctx context.Context, forceRestart, stopOnExit *bool) (history.Record, error) {
	cfg := e.base
	if forceRestart != nil {
		cfg.ForceRestart = *forceRestart
	}
	if stopOnExit != nil {
		cfg.StopOnExit = *stopOnExit
	}
	if _, err := e.svc.Claim(context.WithoutCancel(ctx), cfg); err != nil {
		return history.Record{}, err
	}
	last, _ := e.svc.Last()
	return last.Record, nil
}

// Last returns the most recent finished run.
func (e *Endpoint) Last() (history.Record, bool) {
	st, ok := e.svc.Last()
	return st.Record, ok
}

// Recent lists recorded runs, falling back to the last one without a journal.
func (e *Endpoint) Recent(limit int) ([]history.Record, error) {
	if e.runs != nil {
		return e.runs.Recent(limit)
	}
	if rec, ok := e.Last(); ok {
		return []history.Record{rec}, nil
	}
	return nil, nil
}

// Get returns one recorded run.
func (e *Endpoint) Get(id string) (history.Record, error) {
	if e.runs != nil {
		return e.runs.Get(id)
	}
	if rec, ok := e.Last(); ok && rec.ID == id {
		return rec, nil
	}
	return history.Record{}, fmt.Errorf("%w: %s", history.ErrNotFound, id)
}
