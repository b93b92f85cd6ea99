package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/params"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/mcp"
)

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		runServe()
	case "run":
		os.Exit(runWorkflow(args))
	case "list":
		os.Exit(runList())
	case "install":
		runInstall(args)
	case "version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: stepwise [command]

Commands:
  serve     run the MCP server on stdio (default)
  run       execute a workflow to completion and print the result
  list      list available workflows
  install   write settings.json and reload a running server
  version   print the version
`)
}

// runServe starts the MCP stdio server and blocks until stdin closes or a
// termination signal arrives. SIGHUP reloads settings.json.
func runServe() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()
	a, err := newApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer a.close(context.Background())

	if err := a.startBackground(ctx); err != nil {
		a.logger.Error("start background services", slog.String("error", err.Error()))
		os.Exit(1)
	}

	writePIDFile(a.logger)
	defer os.Remove(pidPath())

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				a.logger.Info("reloading configuration")
				a.reload(loadConfig())
			}
		}
	}()

	srv := mcp.NewStepwiseServer(mcp.ServerDeps{
		Engine:    a.engine,
		Workflows: a.catalog,
		Archive:   a.archiveOrNil(),
		Notifier:  a.notifier,
		Version:   version,
		Logger:    a.logger,
	})
	a.logger.Info("stepwise MCP server started",
		slog.String("version", version),
		slog.Int("workflows", a.catalog.Len()),
	)
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		a.logger.Error("mcp server stopped", slog.String("error", err.Error()))
	}
	a.logger.Info("stepwise MCP server stopped")
}

// runWorkflow executes one workflow in run mode and prints its result.
func runWorkflow(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	name := fs.String("workflow", "", "workflow name (required)")
	query := fs.String("query", "", "user query passed to the workflow")
	truncate := fs.Bool("truncate", false, "truncate per-step report outputs")
	model := fs.String("model", "", "model override for every step")
	maxTokens := fs.Int("max-tokens", 0, "max tokens override for every step")
	temperature := fs.String("temperature", "", "temperature override for every step")
	asJSON := fs.Bool("json", false, "print the full result as JSON")
	timeout := fs.Duration("timeout", 0, "overall run timeout (0 = none)")
	var vars varFlags
	fs.Var(&vars, "var", "workflow variable key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *name == "" && fs.NArg() > 0 {
		*name = fs.Arg(0)
	}
	if *name == "" {
		fmt.Fprintln(os.Stderr, "Error: -workflow is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	a, err := newApp(ctx, loadConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close(context.Background())

	opts := engine.RunOptions{
		Variables:     vars.values(),
		TruncateSteps: *truncate,
		Overrides:     params.Overrides{Model: *model, MaxTokens: *maxTokens},
	}
	if *temperature != "" {
		t, err := strconv.ParseFloat(*temperature, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid -temperature: %v\n", err)
			return 2
		}
		opts.Overrides.Temperature = &t
	}

	res, err := a.engine.ExecuteWorkflow(ctx, *name, *query, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
	for _, r := range res.Steps {
		status := r.Duration.Round(time.Millisecond).String()
		if r.Skipped {
			status = "skipped"
		}
		fmt.Fprintf(os.Stderr, "[%d] %s (%s) %s\n", r.Step, r.Name, r.Tool, status)
	}
	fmt.Println(res.FinalOutput)
	return 0
}

// runList prints the workflow catalog.
func runList() int {
	cfg := loadConfig()
	cfg.DBPath = ""
	cfg.Providers = nil
	a, err := newApp(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close(context.Background())

	for _, s := range a.catalog.List() {
		fmt.Printf("%-24s %2d steps  %s\n", s.Name, s.Steps, s.Description)
	}
	return 0
}

func (a *app) archiveOrNil() store.Archive {
	if a.archive == nil {
		return nil
	}
	return a.archive
}

func writePIDFile(logger *slog.Logger) {
	if err := os.MkdirAll(stepwiseDir(), 0o700); err != nil {
		return
	}
	if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		logger.Warn("write pid file", slog.String("error", err.Error()))
	}
}

// varFlags collects repeated -var key=value flags. Values that parse as JSON
// (numbers, booleans, objects) keep their type; anything else is a string.
type varFlags []string

func (v *varFlags) String() string { return strings.Join(*v, ",") }

func (v *varFlags) Set(s string) error {
	if !strings.Contains(s, "=") {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	*v = append(*v, s)
	return nil
}

func (v varFlags) values() map[string]any {
	if len(v) == 0 {
		return nil
	}
	out := make(map[string]any, len(v))
	for _, kv := range v {
		key, raw, _ := strings.Cut(kv, "=")
		var parsed any
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			out[key] = parsed
		} else {
			out[key] = raw
		}
	}
	return out
}
