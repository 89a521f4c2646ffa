package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/990248516/sd-modelsync/internal/api"
	"github.com/990248516/sd-modelsync/internal/category"
	"github.com/990248516/sd-modelsync/internal/logging"
	"github.com/990248516/sd-modelsync/internal/metrics"
	"github.com/990248516/sd-modelsync/internal/syncer"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [category...]",
		Short: "Run the sync daemon",
		Long:  `Adopts cached models, optionally bootstraps the checkpoint category, then runs one sync loop per category until interrupted.`,
		RunE:  runDaemon,
	}
	onceCmd = &cobra.Command{
		Use:   "once [category...]",
		Short: "Run a single sync cycle and print the reports",
		RunE:  runOnce,
	}
	diffCmd = &cobra.Command{
		Use:   "diff [category...]",
		Short: "Show what the next sync cycle would change",
		RunE:  runDiff,
	}
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
			logging.Info("shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cats, err := parseCategories(args)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	logging.Info("modelsync starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	a, err := build(ctx, cfg, cats)
	if err != nil {
		return err
	}
	defer a.Close()

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start admin API
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(a.syncers, a.guard, a.broadcaster).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logging.Info("admin API listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("admin API error", zap.Error(err))
		}
	}()

	sv := &syncer.Supervisor{Syncers: a.syncers, Mirror: a.mirror}
	if cfg.Bootstrap {
		sv.Bootstrap = a.syncer(category.Checkpoint)
	}
	err = sv.Run(ctx)

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	httpServer.Shutdown(shutdownCtx)
	metricsServer.Close()

	logging.Info("modelsync stopped")
	return err
}

func runOnce(cmd *cobra.Command, args []string) error {
	cats, err := parseCategories(args)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	a, err := build(ctx, cfg, cats)
	if err != nil {
		return err
	}
	defer a.Close()

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	var errs []error
	for _, s := range a.syncers {
		if _, err := s.Adopt(ctx); err != nil {
			logging.Warn("adopt cached models", zap.String("category", s.Category().Slug()), zap.Error(err))
		}
		report, err := s.RunCycle(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		enc.Encode(report)
	}
	if a.mirror != nil {
		report, err := a.mirror.RunOnce(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		enc.Encode(report)
	}
	return errors.Join(errs...)
}

type diffOutput struct {
	Category string   `json:"category"`
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Removed  []string `json:"removed"`
	Error    string   `json:"error,omitempty"`
}

func runDiff(cmd *cobra.Command, args []string) error {
	cats, err := parseCategories(args)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	a, err := build(ctx, cfg, cats)
	if err != nil {
		return err
	}
	defer a.Close()

	out := make([]diffOutput, 0, len(a.syncers))
	var errs []error
	for _, s := range a.syncers {
		d := diffOutput{Category: s.Category().Slug()}
		changes, err := s.Diff(ctx)
		if err != nil {
			d.Error = err.Error()
			errs = append(errs, err)
		}
		d.Added, d.Modified, d.Removed = changes.Added, changes.Modified, changes.Removed
		out = append(out, d)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	return errors.Join(errs...)
}
