package controller

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/dgnsrekt/bonus_agent/internal/config"
	"github.com/dgnsrekt/bonus_agent/internal/history"
	"github.com/dgnsrekt/bonus_agent/internal/workflow"
)

func TestEndpointAppliesOverrides(t *testing.T) {
	var seen config.RunConfig
	h := newHarness(t, func(_ context.Context, _ string, forceRestart bool) (workflow.Result, error) {
		seen.ForceRestart = forceRestart
		return workflow.Result{Outcome: workflow.OutcomeCooldown}, nil
	})
	e := NewEndpoint(h.svc, h.cfg, nil)

	yes := true
	rec, err := e.Claim(context.Background(), &yes, nil)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if !seen.ForceRestart {
		t.Fatal("force_restart override not applied")
	}
	if rec.Outcome != string(workflow.OutcomeCooldown) || rec.ID == "" {
		t.Fatalf("record = %+v; want cooldown with id", rec)
	}
	if h.browsers.released[0].StopOnExit {
		t.Fatal("StopOnExit changed without an override")
	}

	got, err := e.Get(rec.ID)
	if err != nil || got.ID != rec.ID {
		t.Fatalf("Get() = %+v, %v; want last run", got, err)
	}
	if _, err := e.Get("00000000-0000-4000-8000-000000000000"); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("Get(other) error = %v; want ErrNotFound", err)
	}
	runs, err := e.Recent(10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("Recent() = %v, %v; want the last run", runs, err)
	}
}

func TestEndpointReadsJournal(t *testing.T) {
	j, err := history.Open(filepath.Join(t.TempDir(), "runs.jsonl"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer j.Close()

	h := newHarness(t, outcome(workflow.OutcomeClaimed))
	WithJournal(j)(h.svc)
	e := NewEndpoint(h.svc, h.cfg, j)

	for i := 0; i < 2; i++ {
		if _, err := e.Claim(context.Background(), nil, nil); err != nil {
			t.Fatalf("Claim() error = %v", err)
		}
	}
	runs, err := e.Recent(10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(Recent()) = %d; want 2", len(runs))
	}
}
