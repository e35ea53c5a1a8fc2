// Package api exposes claim runs over HTTP for the serve subcommand.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/bonus_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/bonus_agent/internal/history"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Service is what the HTTP layer needs from the run controller.
type Service interface {
	// Claim runs one claim. Nil overrides keep the configured values.
	Claim(ctx context.Context, forceRestart, stopOnExit *bool) (history.Record, error)
	Last() (history.Record, bool)
	Recent(limit int) ([]history.Record, error)
	Get(id string) (history.Record, error)
}

type runOutput struct {
	Body history.Record
}

func NewServer(svc Service) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Bonus Agent API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	registerHealthHandlers(api)
	registerClaimHandlers(api, svc)

	return router
}

func registerHealthHandlers(api huma.API) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})
}

func registerClaimHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "claim", Method: http.MethodPost, Path: "/api/v1/claim", Summary: "Run one daily bonus claim", Tags: []string{"Claim"}},
		func(ctx context.Context, input *struct {
			Body struct {
				ForceRestart *bool `json:"force_restart,omitempty" doc:"Kill whatever owns the debug port and launch a fresh browser"`
				StopOnExit   *bool `json:"stop_on_exit,omitempty" doc:"Stop the browser when the run ends"`
			} `required:"false"`
		}) (*runOutput, error) {
			rec, err := svc.Claim(ctx, input.Body.ForceRestart, input.Body.StopOnExit)
			if err != nil {
				return nil, mapErr(err)
			}
			return &runOutput{Body: rec}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "status", Method: http.MethodGet, Path: "/api/v1/status", Summary: "Last finished run", Tags: []string{"Claim"}},
		func(ctx context.Context, input *struct{}) (*runOutput, error) {
			rec, ok := svc.Last()
			if !ok {
				return nil, huma.Error404NotFound("no run has finished yet")
			}
			return &runOutput{Body: rec}, nil
		})

	type runsOutput struct {
		Body struct {
			Runs []history.Record `json:"runs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-runs", Method: http.MethodGet, Path: "/api/v1/runs", Summary: "Recent runs, newest first", Tags: []string{"History"}},
		func(ctx context.Context, input *struct {
			Limit int `query:"limit" default:"20" minimum:"1" maximum:"500"`
		}) (*runsOutput, error) {
			runs, err := svc.Recent(input.Limit)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &runsOutput{}
			out.Body.Runs = runs
			if out.Body.Runs == nil {
				out.Body.Runs = []history.Record{}
			}
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-run", Method: http.MethodGet, Path: "/api/v1/runs/{id}", Summary: "One run by ID", Tags: []string{"History"}},
		func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*runOutput, error) {
			rec, err := svc.Get(input.ID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &runOutput{Body: rec}, nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, history.ErrInvalidID):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, history.ErrNotFound):
		return huma.Error404NotFound(err.Error())
	}
	var coded *cdpcontrol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdpcontrol.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case cdpcontrol.CodeRunInProgress:
			return huma.Error409Conflict(coded.Message)
		case cdpcontrol.CodeElementNotFound:
			return huma.Error422UnprocessableEntity(coded.Message)
		case cdpcontrol.CodeDialogTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case cdpcontrol.CodeBrowserUnavailable, cdpcontrol.CodeDriverMissing:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
