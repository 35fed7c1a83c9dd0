package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paydash/authcore/internal/auth"
	"github.com/paydash/authcore/internal/config"
	"github.com/paydash/authcore/internal/database"
	"github.com/paydash/authcore/internal/handler"
	"github.com/paydash/authcore/internal/logger"
	"github.com/paydash/authcore/internal/middleware"
	"github.com/paydash/authcore/internal/ratelimit"
	"github.com/paydash/authcore/internal/repository"
	"github.com/paydash/authcore/internal/router"
	"github.com/paydash/authcore/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info().Str("version", handler.Version).Msg("starting auth core server")

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	log.Info().Msg("connected to PostgreSQL")

	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer rdb.Close()
	log.Info().Msg("connected to Redis")

	credRepo := repository.NewCredentialRepository(db)
	mfaRepo := repository.NewMFARepository(db)
	auditRepo := repository.NewAuditRepository(db)
	challengeRepo := repository.NewChallengeRepository(rdb)

	// Session tokens are minted by the managed auth backend; only verify here
	sessions, err := auth.NewSessionVerifier(cfg.Session)
	if err != nil {
		return fmt.Errorf("failed to initialize session verifier: %w", err)
	}

	keyCfg := cfg.Security.APIKeys
	hasher := auth.NewHasher(auth.NewHashParams(keyCfg.Argon2Memory, keyCfg.Argon2Iterations, keyCfg.Argon2Parallelism))
	limiter := ratelimit.New(rdb.Client)

	auditRec := service.NewAuditRecorder(auditRepo, log)
	keySvc := service.NewAPIKeyService(credRepo, hasher, limiter, auditRec, cfg, log)
	mfaSvc := service.NewMFAService(mfaRepo, auditRec, cfg, log)
	stepUpSvc := service.NewStepUpService(mfaSvc, challengeRepo, auditRec, cfg, log)
	log.Info().
		Dur("step_up_window", cfg.StepUp.Window).
		Bool("rate_limiting", cfg.Security.RateLimiting.Enabled).
		Bool("trust_proxy", cfg.Server.TrustProxy).
		Msg("services initialized")

	h := handler.New(db, rdb, log, cfg, keySvc, mfaSvc, stepUpSvc, limiter)
	mw := middleware.New(limiter, log, cfg)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.New(h, mw, sessions, keySvc, cfg.Security.RateLimiting),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}
