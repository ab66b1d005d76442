// ABOUTME: Command-line agent that talks to an mcplink gateway over one shared connection
// ABOUTME: Usage: mcplink-agent call METHOD [JSON] | batch < calls.jsonl | listen EVENT...

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/mcplink/internal/client"
	"github.com/2389/mcplink/internal/config"
	"github.com/2389/mcplink/internal/logging"
	"github.com/2389/mcplink/internal/telemetry"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: mcplink-agent <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  call METHOD [JSON]     Invoke one method and print its result")
		fmt.Println("  batch                  Read {\"method\",\"params\"} lines from stdin and call them concurrently")
		fmt.Println("  listen EVENT...        Subscribe to events and print them until interrupted")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "call":
		err = runCall(ctx, os.Args[2:])
	case "batch":
		err = runBatch(ctx)
	case "listen":
		err = runListen(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// clientConfig maps the agent config file onto client.Config. Zero values
// fall back to the client's defaults.
func clientConfig(cfg *config.AgentConfig) client.Config {
	return client.Config{
		URL:              cfg.Gateway.URL,
		AgentID:          cfg.Agent.ID,
		AgentType:        cfg.Agent.Type,
		Capabilities:     cfg.Agent.Capabilities,
		BatchSize:        cfg.Batch.Size,
		BatchTimeout:     cfg.Batch.Timeout.Duration,
		CallTimeout:      cfg.Batch.CallTimeout.Duration,
		BatchCallTimeout: cfg.Batch.BatchCallTimeout.Duration,
		PingInterval:     cfg.Heartbeat.Interval.Duration,
		Reconnect: client.Backoff{
			Base:        cfg.Reconnect.Base.Duration,
			Cap:         cfg.Reconnect.Cap.Duration,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
	}
}

// connect loads the agent config, builds the client and opens the connection.
func connect(ctx context.Context, opts ...client.Option) (*client.Client, error) {
	cfg, err := config.LoadAgent(config.DefaultAgentPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Agent.ID == "" {
		host, _ := os.Hostname()
		cfg.Agent.ID = "mcplink-agent-" + host
	}

	// Logs go to stderr so results on stdout stay machine-readable.
	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	metrics, err := telemetry.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating instruments: %w", err)
	}

	opts = append([]client.Option{
		client.WithLogger(logger),
		client.WithMetrics(metrics),
		client.WithFatalHandler(func(err error) {
			logger.Error("giving up on gateway", "error", err)
		}),
	}, opts...)

	c, err := client.New(clientConfig(cfg), opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Gateway.URL, err)
	}
	return c, nil
}

func parseParams(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(s), &params); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	return params, nil
}

func runCall(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mcplink-agent call METHOD [JSON]")
	}
	var rawParams string
	if len(args) > 1 {
		rawParams = args[1]
	}
	params, err := parseParams(rawParams)
	if err != nil {
		return err
	}

	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	result, err := c.Call(ctx, args[0], params)
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

// batchLine is one call read by the batch command.
type batchLine struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// runBatch issues every stdin line as a concurrent call so the client can
// pack them into batch requests. Results are printed in input order.
func runBatch(ctx context.Context) error {
	var lines []batchLine
	scanner := bufio.NewScanner(os.Stdin)
	for n := 1; scanner.Scan(); n++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var l batchLine
		if err := json.Unmarshal([]byte(text), &l); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		if l.Method == "" {
			return fmt.Errorf("line %d: method is required", n)
		}
		lines = append(lines, l)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	if len(lines) == 0 {
		return nil
	}

	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	results := make([]json.RawMessage, len(lines))
	errs := make([]error, len(lines))
	var wg sync.WaitGroup
	for i, l := range lines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Call(ctx, l.Method, l.Params)
		}()
	}
	wg.Wait()

	red := color.New(color.FgRed)
	failed := 0
	for i := range lines {
		if errs[i] != nil {
			failed++
			red.Fprintf(os.Stderr, "%s: %v\n", lines[i].Method, errs[i])
			fmt.Println("null")
			continue
		}
		fmt.Println(string(results[i]))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d calls failed", failed, len(lines))
	}
	return nil
}

func runListen(ctx context.Context, events []string) error {
	if len(events) == 0 {
		return fmt.Errorf("usage: mcplink-agent listen EVENT...")
	}

	cyan := color.New(color.FgCyan)
	var mu sync.Mutex
	c, err := connect(ctx, client.WithEventHandler(func(name string, payload json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		cyan.Printf("%s ", name)
		fmt.Println(string(payload))
	}))
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Subscribe(ctx, events...); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-c.Done():
		if err := c.Err(); err != nil && !errors.Is(err, client.ErrClosed) {
			return err
		}
		return nil
	}
}
