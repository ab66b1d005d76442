// ABOUTME: Entry point for the mcplink gateway server
// ABOUTME: Serves agent websockets plus admin HTTP and gRPC health endpoints

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/2389/mcplink/internal/config"
	"github.com/2389/mcplink/internal/gateway"
	"github.com/2389/mcplink/internal/logging"
	"github.com/2389/mcplink/internal/telemetry"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                      _ _       _
  _ __ ___   ___ _ __ | (_)_ __ | | __
 | '_ ' _ \ / __| '_ \| | | '_ \| |/ /
 | | | | | | (__| |_) | | | | | |   <
 |_| |_| |_|\___| .__/|_|_|_| |_|_|\_\
                |_|
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: mcplink-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the gateway server")
		fmt.Println("  init                   Create a new config file interactively")
		fmt.Println("  health                 Check gateway health over gRPC")
		fmt.Println("  agents [--type T]      List connected agents")
		fmt.Println("  broadcast EVENT [JSON] Push an event to subscribed agents")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx, os.Args[2:])
	case "broadcast":
		err = runBroadcast(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s (agents on %s)\n", cfg.Server.HTTPAddr, cfg.Server.WSPath)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	if cfg.Database.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("Ledger:    %s\n", cfg.Database.Path)
	}
	if cfg.Metrics.OTLPEndpoint != "" {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s", cfg.Metrics.OTLPEndpoint)
		if cfg.Metrics.Insecure {
			gray.Print(" (insecure)")
		}
		fmt.Println()
	}
	fmt.Println()

	provider, err := telemetry.NewProvider(ctx, telemetry.ProviderConfig{
		ServiceName:    "mcplink-gateway",
		ServiceVersion: version,
		Endpoint:       cfg.Metrics.OTLPEndpoint,
		Insecure:       cfg.Metrics.Insecure,
		Interval:       cfg.Metrics.Interval,
	})
	if err != nil {
		return fmt.Errorf("setting up metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("flushing metrics", "error", err)
		}
	}()

	metrics, err := telemetry.New(nil)
	if err != nil {
		return fmt.Errorf("creating instruments: %w", err)
	}

	logger.Info("starting mcplink-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger,
		gateway.WithMetrics(metrics),
		gateway.WithVersion(version),
	)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.GRPCAddr == "" {
		return fmt.Errorf("server.grpc_addr is not configured")
	}

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to gateway: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: gateway.ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	fmt.Println(string(out))

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("unhealthy: %s", resp.GetStatus())
	}
	return nil
}

func runAgents(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("agents", flag.ContinueOnError)
	agentType := fs.String("type", "", "only list agents of this type")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/agents", cfg.Server.HTTPAddr)
	if *agentType != "" {
		url += "?type=" + *agentType
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	body, err := doAPI(req)
	if err != nil {
		return err
	}

	var resp gateway.AgentsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if len(resp.Agents) == 0 {
		fmt.Println("no agents connected")
		return nil
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	for _, a := range resp.Agents {
		cyan.Printf("%-24s", a.AgentID)
		fmt.Printf(" %-10s requests=%-6d avg=%.1fms", a.AgentType, a.RequestCount, a.AvgLatencyMS)
		gray.Printf(" last_seen=%s\n", a.LastSeen.Format(time.RFC3339))
	}
	return nil
}

// runBroadcast posts EVENT with an optional JSON payload.
func runBroadcast(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("broadcast", flag.ContinueOnError)
	types := fs.String("types", "", "comma-separated agent types to target")
	ids := fs.String("agents", "", "comma-separated agent ids to target")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: mcplink-gateway broadcast [--types a,b] [--agents x,y] EVENT [JSON]")
	}

	msg := map[string]any{"event_name": fs.Arg(0)}
	if fs.NArg() > 1 {
		payload := json.RawMessage(fs.Arg(1))
		if !json.Valid(payload) {
			return fmt.Errorf("payload is not valid JSON")
		}
		msg["payload"] = payload
	}
	if *types != "" {
		msg["agent_types"] = strings.Split(*types, ",")
	}
	if *ids != "" {
		msg["agent_ids"] = strings.Split(*ids, ",")
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	url := fmt.Sprintf("http://%s/api/broadcast", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := doAPI(req)
	if err != nil {
		return err
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// doAPI performs req and returns the body of a 200 response.
func doAPI(req *http.Request) ([]byte, error) {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// getDataPath returns the mcplink data directory.
// Priority: XDG_DATA_HOME/mcplink > ~/.local/share/mcplink
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "mcplink")
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("mcplink-gateway configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)
	grpcAddr := prompt(reader, "gRPC health address", "localhost:50051")

	fmt.Println("\n--- Session Ledger ---")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "sessions.db"))

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# mcplink-gateway configuration\n")
	cfg.WriteString("# Generated by mcplink-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	fmt.Fprintf(&cfg, "  grpc_addr: %q\n", grpcAddr)
	fmt.Fprintf(&cfg, "  ws_path: %q\n\n", config.DefaultWSPath)

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	cfg.WriteString("sessions:\n")
	fmt.Fprintf(&cfg, "  stale_after: %q\n", config.DefaultStaleAfter.String())
	fmt.Fprintf(&cfg, "  sweep_interval: %q\n\n", config.DefaultSweepInterval.String())

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)

	if _, err := config.Parse([]byte(cfg.String())); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  mcplink-gateway serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
