package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// runInstall writes settings.json from flags layered over the current
// settings, creates the workflow directory and asks a running server to reload.
func runInstall(args []string) {
	cfg := loadConfig()

	fs := flag.NewFlagSet("install", flag.ExitOnError)
	workflowDir := fs.String("workflow-dir", cfg.WorkflowDir, "directory scanned for workflow files")
	outputDir := fs.String("output-dir", cfg.OutputDir, "directory for persisted step outputs")
	persist := fs.Bool("persist-outputs", cfg.PersistOutputs, "persist every step output to disk")
	dbPath := fs.String("db-path", cfg.DBPath, "session archive path (empty disables the archive)")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "Prometheus /metrics listen address (empty disables)")
	idle := fs.Duration("idle-timeout", time.Duration(cfg.IdleTimeout), "idle time before a step-by-step session expires")
	model := fs.String("default-model", cfg.DefaultModel, "model used when no step or workflow sets one")
	retention := fs.Duration("archive-retention", time.Duration(cfg.ArchiveRetention), "how long archived sessions are kept (0 keeps forever)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg.WorkflowDir = *workflowDir
	cfg.OutputDir = *outputDir
	cfg.PersistOutputs = *persist
	cfg.DBPath = *dbPath
	cfg.LogLevel = *logLevel
	cfg.MetricsAddr = *metricsAddr
	cfg.IdleTimeout = Duration(*idle)
	cfg.DefaultModel = *model
	cfg.ArchiveRetention = Duration(*retention)

	dir := stepwiseDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", dir, err)
		os.Exit(1)
	}
	if cfg.WorkflowDir != "" {
		if err := os.MkdirAll(cfg.WorkflowDir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cannot create %s: %v\n", cfg.WorkflowDir, err)
		}
	}

	if err := writeSettings(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s\n", settingsPath())

	signalRunningServer()
}

func writeSettings(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return nil
}

// signalRunningServer sends SIGHUP to a running stepwise server (via pidfile).
// Returns true if a server was signaled.
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}
