package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/paydash/authcore/internal/auth"
	"github.com/paydash/authcore/internal/config"
	"github.com/paydash/authcore/internal/database"
	"github.com/paydash/authcore/internal/logger"
	"github.com/paydash/authcore/internal/repository"
	"github.com/paydash/authcore/internal/service"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "authctl",
	Short:         "Operator tool for the PayDash auth core",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newAuditCmd())
	rootCmd.AddCommand(newMigrateCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app is the subset of the server wiring the operator commands need
type app struct {
	cfg   *config.Config
	log   *logger.Logger
	db    *database.Postgres
	keys  *service.APIKeyService
	audit *service.AuditRecorder
}

func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	// stdout carries command output
	log := logger.NewWriter(os.Stderr)

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	keyCfg := cfg.Security.APIKeys
	hasher := auth.NewHasher(auth.NewHashParams(keyCfg.Argon2Memory, keyCfg.Argon2Iterations, keyCfg.Argon2Parallelism))
	auditRec := service.NewAuditRecorder(repository.NewAuditRepository(db), log)

	// Operator commands never authenticate bearer tokens, so no limiter.
	keys := service.NewAPIKeyService(repository.NewCredentialRepository(db), hasher, nil, auditRec, cfg, log)

	return &app{cfg: cfg, log: log, db: db, keys: keys, audit: auditRec}, nil
}

func (a *app) Close() {
	a.db.Close()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
