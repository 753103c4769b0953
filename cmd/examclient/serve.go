package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-client/internal/handler"
	"github.com/stemsi/exstem-client/internal/router"
	"github.com/stemsi/exstem-client/internal/service"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local agent API for the kiosk UI",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Bool("print-token", false, "Print a kiosk JWT for the local UI and keep serving")
}

func runServe(cmd *cobra.Command, args []string) error {
	log.Info().
		Str("port", cfg.AgentPort).
		Str("backend", cfg.BackendURL).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting exam agent")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	sessionService := service.NewExamSessionService(context.WithoutCancel(ctx), d.engine, log)

	if printToken, _ := cmd.Flags().GetBool("print-token"); printToken {
		token, err := authService.GenerateKioskToken("local")
		if err != nil {
			return fmt.Errorf("issue kiosk token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
	}

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessionService, log),
		WS:      handler.NewWSHandler(sessionService, log, cfg.AllowedOrigins),
		System:  handler.NewSystemHandler(d.rdb, sessionService, cfg.AuthToken, version, log),
	}
	r := router.SetupRouter(authService, handlers, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.AgentPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Agent listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("agent server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down gracefully...")

		// 1. Stop accepting new requests (5s timeout).
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		// 2. Stop the session without finalizing; it stays resumable.
		sessionService.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Shutdown complete")
	return nil
}
