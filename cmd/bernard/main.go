// Bernard runs multi-turn assistant conversations over an
// OpenAI-compatible completion endpoint.
//
// It records every turn in a durable conversation ledger, deduplicates
// long-term memories, and runs slow tool work on a background queue.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	bernard serve              Start the API server, worker and sweeper
//	bernard ask <question>     Run one turn and print the reply
//	bernard sweep              Close idle conversations once
//	bernard history [-all]     List conversations
//	bernard tasks              List background tasks
//	bernard reindex            Queue re-embedding of unembedded memories
//	bernard version            Print version and build information
//	bernard -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nugget/bernard/internal/api"
	"github.com/nugget/bernard/internal/buildinfo"
	"github.com/nugget/bernard/internal/config"
	"github.com/nugget/bernard/internal/httpkit"
	"github.com/nugget/bernard/internal/ledger"
	"github.com/nugget/bernard/internal/llm"
	"github.com/nugget/bernard/internal/mqtt"
	"github.com/nugget/bernard/internal/orchestrator"
	"github.com/nugget/bernard/internal/queue"
)

// shutdownTimeout bounds the HTTP drain and MQTT goodbye.
const shutdownTimeout = 10 * time.Second

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the parsed global flags.
type options struct {
	configPath string
	output     string // "text" (default) or "json"
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package's globals get in the way of calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.output = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.output = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.output = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.output == "" {
		opts.output = "text"
	}
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: bernard ask <question>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "sweep":
		return runSweep(ctx, stdout, stderr, opts)
	case "history":
		all := false
		for _, a := range cmdArgs {
			switch a {
			case "-all", "--all":
				all = true
			default:
				return fmt.Errorf("usage: bernard history [-all]")
			}
		}
		return runHistory(ctx, stdout, stderr, opts, all)
	case "tasks":
		return runTasks(ctx, stdout, stderr, opts)
	case "reindex":
		return runReindex(ctx, stdout, stderr, opts)
	case "version":
		return runVersion(stdout, opts.output)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, output string) error {
	info := buildinfo.Current()
	if output == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	fmt.Fprintf(w, "  %-12s %s\n", "go_version:", info.GoVersion)
	fmt.Fprintf(w, "  %-12s %s\n", "platform:", info.Platform)
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Bernard - conversation orchestration and ledger engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: bernard [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Start the API server, task worker and idle sweeper")
	fmt.Fprintln(w, "  ask <question>   Run one turn and print the reply")
	fmt.Fprintln(w, "  sweep            Close idle conversations once")
	fmt.Fprintln(w, "  history [-all]   List open conversations (-all includes closed and ghost)")
	fmt.Fprintln(w, "  tasks            List background tasks")
	fmt.Fprintln(w, "  reindex          Queue re-embedding of memories stored without one")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// setup loads and validates the config and opens the component stack.
// Logs go to logOut.
func setup(ctx context.Context, logOut io.Writer, opts options) (*stack, error) {
	cfgPath, err := config.FindConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logger, err := cfg.NewLogger(logOut)
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded", "path", cfgPath, "model", cfg.Models.Default, "base_url", cfg.Models.BaseURL)

	return openStack(ctx, cfg, logger)
}

// runServe is the primary operating mode. It blocks until ctx is
// cancelled or SIGINT/SIGTERM arrives, then shuts down in order: the
// HTTP server drains, detached turn work finishes, the worker hands
// running tasks back to the queue, and the stores close.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := setup(ctx, stdout, opts)
	if err != nil {
		return err
	}
	defer s.Close()
	logger := s.logger
	cfg := s.cfg
	logger.Info("starting Bernard", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	// --- Background work ---
	worker := s.newWorker()
	worker.Start(ctx)
	defer worker.Stop()

	sweeper := ledger.NewSweeper(s.ledger, cfg.Ledger.SweepInterval, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	if s.reindex != nil {
		s.reindex.Start(ctx)
		defer s.reindex.Stop()
	}

	// --- MQTT ---
	// Optional. Relays bus events for dashboards and other subscribers.
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.InstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		pub := mqtt.New(cfg.MQTT, mqtt.ClientID(cfg.MQTT.ClientID, instanceID), s.bus, logger)
		if err := pub.Start(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			if err := pub.Stop(stopCtx); err != nil {
				logger.Warn("mqtt disconnect failed", "error", err)
			}
		}()
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, cfg.ModelNames(), s.orch, logger)
	server.SetTasks(s.queue, s.bus)
	server.SetConversations(s.ledger)
	addHealthChecks(server, s)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown incomplete", "error", err)
	}
	s.drain()

	logger.Info("Bernard stopped")
	return nil
}

// addHealthChecks registers the completion endpoint and, when enabled,
// the embeddings endpoint with the /health report.
func addHealthChecks(server *api.Server, s *stack) {
	server.AddHealthCheck("completion", s.client.Ping)
	if s.embeddings != nil {
		probe := httpkit.NewClient(httpkit.WithTimeout(5 * time.Second))
		url := s.embeddings.HealthURL()
		server.AddHealthCheck("embeddings", func(ctx context.Context) error {
			return httpkit.Probe(ctx, probe, url)
		})
	}
}

// runAsk runs a single turn for the "cli" caller and prints the reply.
// Useful for smoke tests without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, opts options, question string) error {
	s, err := setup(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	reply, err := s.orch.RunTurn(ctx, askRequest(question))
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	s.drain()

	if opts.output == "json" {
		return writeJSON(stdout, reply)
	}
	fmt.Fprintln(stdout, reply.Text)
	if reply.Degraded {
		fmt.Fprintf(stderr, "(degraded: %s)\n", reply.DegradeReason)
	}
	return nil
}

// runSweep performs one idle-close pass.
func runSweep(ctx context.Context, stdout io.Writer, stderr io.Writer, opts options) error {
	s, err := setup(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.ledger.CloseIfIdle(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if opts.output == "json" {
		return writeJSON(stdout, map[string]int{"closed": n})
	}
	fmt.Fprintf(stdout, "closed %d idle conversation(s)\n", n)
	return nil
}

// runHistory lists conversations, most recently touched first.
func runHistory(ctx context.Context, stdout io.Writer, stderr io.Writer, opts options, all bool) error {
	s, err := setup(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	list := ledger.ListOptions{IncludeOpen: true, IncludeClosed: all, IncludeGhost: all, Limit: 100}
	convs, err := s.ledger.ListConversations(ctx, list)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	if opts.output == "json" {
		if convs == nil {
			convs = []ledger.Conversation{}
		}
		return writeJSON(stdout, convs)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tMESSAGES\tLAST TOUCHED\tTITLE")
	for _, c := range convs {
		status := c.Status
		if c.Ghost {
			status += " (ghost)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", c.ID, status, c.MessageCount, c.LastTouchedAt.Local().Format(time.DateTime), c.Title)
	}
	return tw.Flush()
}

// runTasks lists recent background tasks.
func runTasks(ctx context.Context, stdout io.Writer, stderr io.Writer, opts options) error {
	s, err := setup(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	tasks, err := s.queue.List(ctx, queue.ListOptions{Limit: 100})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if opts.output == "json" {
		if tasks == nil {
			tasks = []queue.Task{}
		}
		return writeJSON(stdout, tasks)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTOOL\tSTATUS\tATTEMPTS\tCREATED\tERROR")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n", t.ID, t.ToolName, t.Status, t.AttemptsMade, t.MaxAttempts, t.CreatedAt.Local().Format(time.DateTime), t.ErrorMessage)
	}
	return tw.Flush()
}

// runReindex queues one memory re-index job for the serve worker.
func runReindex(ctx context.Context, stdout io.Writer, stderr io.Writer, opts options) error {
	s, err := setup(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.reindex == nil {
		return fmt.Errorf("reindex: embeddings are disabled")
	}
	id, err := s.reindex.Dispatch(ctx)
	if err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	if opts.output == "json" {
		return writeJSON(stdout, map[string]string{"task_id": id})
	}
	fmt.Fprintf(stdout, "queued re-index task %s\n", id)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// askRequest is the turn the ask command runs, as the "cli" caller.
func askRequest(question string) orchestrator.TurnRequest {
	return orchestrator.TurnRequest{
		Token:    "cli",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: question}},
	}
}
