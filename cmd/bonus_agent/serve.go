package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgnsrekt/bonus_agent/internal/api"
	"github.com/dgnsrekt/bonus_agent/internal/controller"
	"github.com/dgnsrekt/bonus_agent/internal/netutil"
	"github.com/spf13/cobra"
)

func newServeCmd(flags *runFlags, code *int) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve claim runs over HTTP",
		Long: `Start an HTTP API that runs a claim on POST /api/v1/claim and reports the
last result on GET /api/v1/status. Interactive docs are served at /docs.

The flags of the root command set the defaults for every run; a request may
override force_restart and stop_on_exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := prepare(cmd, flags)
			if err != nil {
				*code = controller.ExitFailure
				return nil
			}
			defer env.close()
			if err := serve(env); err != nil {
				*code = controller.ExitFailure
			}
			return nil
		},
	}
}

func serve(env *runEnv) error {
	log := slog.Default().With("source", "serve")
	cfg := env.cfg

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		log.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		return err
	}

	h := api.NewServer(controller.NewEndpoint(env.svc, cfg, env.journal))
	srv := &http.Server{Addr: bindAddr, Handler: h, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("bonus_agent listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "error", err)
		return err
	}
	return nil
}
