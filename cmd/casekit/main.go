// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dimagi/go-casekit/casekit"
	"github.com/dimagi/go-casekit/caselite"
)

const envPrefix = "CASEKIT"

func main() {
	rootCmd := &cobra.Command{
		Use:   "casekit",
		Short: "Case reconciliation engine: form receiver and repair tools",
	}
	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection string (empty = use SQLite)")
	rootCmd.PersistentFlags().String("sqlite-path", "casekit.db", "SQLite database path when no Postgres URL is set")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlag("database.url", rootCmd.PersistentFlags().Lookup("database-url"))
	_ = v.BindPFlag("database.sqlite_path", rootCmd.PersistentFlags().Lookup("sqlite-path"))
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.SetDefault("http.address", "0.0.0.0:8080")
	v.SetDefault("jwt.secret", "")

	rootCmd.AddCommand(serveCmd(v), rebuildCmd(v), archiveCmd(v))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(v *viper.Viper) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log.level"))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openStores connects either Postgres or the embedded SQLite store and
// returns the store pair plus the matching lock service.
func openStores(ctx context.Context, v *viper.Viper, logger *slog.Logger) (casekit.CaseStore, casekit.FormStore, casekit.LockService, func(), error) {
	if url := v.GetString("database.url"); url != "" {
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("connect to Postgres: %w", err)
		}
		store, err := casekit.NewPGStore(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, nil, nil, err
		}
		return store, store, casekit.NewPGLockService(pool), pool.Close, nil
	}

	store, err := caselite.Open(ctx, v.GetString("database.sqlite_path"), logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return store, store, casekit.NewLocalLockService(), func() { _ = store.Close() }, nil
}

func serveCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the form receiver HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}
	cmd.Flags().String("http-address", "0.0.0.0:8080", "HTTP listen address")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for submission auth")
	_ = v.BindPFlag("http.address", cmd.Flags().Lookup("http-address"))
	_ = v.BindPFlag("jwt.secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	logger := newLogger(v)

	secret := v.GetString("jwt.secret")
	if secret == "" {
		return errors.New("jwt secret is required (--jwt-secret or CASEKIT_JWT_SECRET)")
	}

	cases, forms, locks, closeStores, err := openStores(ctx, v, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	bus := casekit.NewSignalBus(logger)
	processor := casekit.NewProcessor(cases, forms, locks, bus, &casekit.ProcessorConfig{LockCases: true}, logger)
	handlers := casekit.NewHTTPHandlers(processor, cases, forms, casekit.NewJWTAuth(secret), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/submit", handlers.HandleSubmit)
	mux.HandleFunc("/rebuild", handlers.HandleRebuildCase)
	mux.HandleFunc("/case", handlers.HandleGetCase)

	server := &http.Server{
		Addr:              v.GetString("http.address"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Form receiver listening", "address", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func rebuildCmd(v *viper.Viper) *cobra.Command {
	var domain, reason string
	cmd := &cobra.Command{
		Use:   "rebuild-case <case-id>",
		Short: "Rebuild a case from every form that references it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(cmd.Context(), v, domain, args[0], reason)
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "Tenant domain of the case (required)")
	cmd.Flags().StringVar(&reason, "reason", casekit.ReasonUserRequested, "Reason recorded on the rebuilt case")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}

func archiveCmd(v *viper.Viper) *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "archive-form <form-id>",
		Short: "Archive a form and rebuild every case it touched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArchive(cmd.Context(), v, domain, args[0])
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "Tenant domain of the form (required)")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}

func runArchive(ctx context.Context, v *viper.Viper, domain, formID string) error {
	logger := newLogger(v)

	cases, forms, _, closeStores, err := openStores(ctx, v, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	if err := casekit.ArchiveForm(ctx, cases, forms, domain, formID, logger, nil); err != nil {
		return err
	}
	fmt.Printf("form %s: archived\n", formID)
	return nil
}

func runRebuild(ctx context.Context, v *viper.Viper, domain, caseID, reason string) error {
	logger := newLogger(v)

	cases, forms, _, closeStores, err := openStores(ctx, v, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	c, err := casekit.RebuildCase(ctx, cases, forms, domain, caseID, reason, logger, nil)
	if err != nil {
		return err
	}
	if c == nil {
		fmt.Printf("case %s: not found, nothing to rebuild\n", caseID)
		return nil
	}
	if c.IsDeleted() {
		fmt.Printf("case %s: no contributing forms remain, tombstoned\n", caseID)
		return nil
	}
	fmt.Printf("case %s: rebuilt from %d forms (closed=%v)\n", caseID, len(c.XFormIDs), c.Closed)
	return nil
}
