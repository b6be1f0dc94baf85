package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/agentmem/internal/gateway"
	"github.com/user/agentmem/internal/scheduler"
	"github.com/user/agentmem/internal/types"
	"github.com/user/agentmem/internal/webhook"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agentmem daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "agentmem.pid")
}

func writePIDFile(dataDir string) (string, error) {
	path := pidPath(dataDir)
	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Write PID file
	pidFile, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.background != nil && cfg.Context.WatchBackground {
		if err := a.background.Watch(ctx); err != nil {
			slog.Warn("background watch disabled", "path", cfg.Context.BackgroundPath, "error", err)
		}
	}

	// Gateway
	gw := gateway.New(a.log, a.pipeline, int64(cfg.MaxConcurrent))
	gw.Start(ctx)
	defer gw.Stop()

	// Scheduler
	sched := scheduler.New(a.db, func(id types.SessionID, namespace string) error {
		_, err := gw.EnqueueProcessing(id, namespace)
		return err
	}, cfg.Scheduler)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// Webhook HTTP server
	srv := webhook.NewServer(webhook.Deps{
		Gateway:   gw,
		Builder:   a.builder,
		Retriever: a.retriever,
		Handoff:   a.handoff,
		Compactor: a.compactor,
		Limits:    a.limits(),
		Prompt:    a.prompt,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("webhook server started", "listen", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
			cancel()
		}
	}()
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("agentmem started",
		"data_dir", cfg.DataDir,
		"database", cfg.DatabasePath(),
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"llm_enabled", cfg.LLMEnabled(),
		"llm_model", cfg.LLM.Model,
		"pid_file", pidFile,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		var sig os.Signal
		select {
		case sig = <-sigChan:
		case <-ctx.Done():
			return fmt.Errorf("webhook server stopped")
		}
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Release the listener and queue before re-exec
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			httpServer.Shutdown(shutdownCtx)
			done()
			sched.Stop()
			gw.Stop()
			a.Close()
			os.Remove(pidFile)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				return fmt.Errorf("re-exec: %w", err)
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
