// ABOUTME: Gateway orchestrator that coordinates the websocket, admin HTTP and gRPC health servers
// ABOUTME: Owns the session registry, dispatcher, broadcaster, dedupe cache and session ledger

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/mcplink/internal/agent"
	"github.com/2389/mcplink/internal/broadcast"
	"github.com/2389/mcplink/internal/config"
	"github.com/2389/mcplink/internal/dedupe"
	"github.com/2389/mcplink/internal/dispatch"
	"github.com/2389/mcplink/internal/protocol"
	"github.com/2389/mcplink/internal/store"
	"github.com/2389/mcplink/internal/telemetry"
	"github.com/2389/mcplink/internal/transport"
)

// ServiceName is the gRPC health service name reported by the gateway.
const ServiceName = "mcplink.Gateway"

// DefaultIdentifyTimeout bounds how long a new connection may stay
// unidentified.
const DefaultIdentifyTimeout = 10 * time.Second

// shutdownTimeout bounds graceful shutdown once Run's context is canceled.
const shutdownTimeout = 5 * time.Second

// Gateway is the server side of the shared connection: it accepts agent
// websockets, identifies them and dispatches their requests.
type Gateway struct {
	config      *config.Config
	registry    *agent.Registry
	dispatcher  *dispatch.Dispatcher
	broadcaster *broadcast.Broadcaster
	dedupe      *dedupe.Cache
	store       store.Store // nil when no session ledger is configured
	metrics     *telemetry.Metrics
	health      *health.Server
	grpcServer  *grpc.Server
	httpServer  *http.Server
	logger      *slog.Logger

	// serverID identifies this gateway instance
	serverID        string
	version         string
	startedAt       time.Time
	identifyTimeout time.Duration

	// cancelBase cancels the context every HTTP connection derives from.
	cancelBase context.CancelFunc

	mu       sync.Mutex
	closing  bool
	conns    sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithStore sets the session ledger, overriding database.path.
func WithStore(s store.Store) Option {
	return func(g *Gateway) { g.store = s }
}

// WithMetrics records gateway activity on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithVersion sets the version reported by server_info.
func WithVersion(v string) Option {
	return func(g *Gateway) { g.version = v }
}

// WithIdentifyTimeout overrides DefaultIdentifyTimeout.
func WithIdentifyTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.identifyTimeout = d }
}

// initStore opens the SQLite ledger and closes sessions a previous process
// left open.
func initStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	n, err := s.CloseOrphaned(context.Background(), time.Now(), "gateway restarted")
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("closing orphaned sessions: %w", err)
	}
	if n > 0 {
		logger.Warn("closed sessions left open by a previous run", "count", n)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	g := &Gateway{
		cancelBase:      cancelBase,
		config:          cfg,
		logger:          logger.With("component", "gateway"),
		serverID:        "mcplink-" + uuid.NewString(),
		version:         "dev",
		startedAt:       time.Now(),
		identifyTimeout: DefaultIdentifyTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.store == nil && cfg.Database.Path != "" {
		s, err := initStore(cfg, logger)
		if err != nil {
			cancelBase()
			return nil, err
		}
		g.store = s
	}

	g.registry = agent.NewRegistry(logger)
	g.dispatcher = dispatch.New(dispatch.Config{
		BatchConcurrency: cfg.Dispatch.BatchConcurrency,
		HandlerTimeout:   cfg.Dispatch.HandlerTimeout,
		Logger:           logger,
		Metrics:          g.metrics,
	})
	if err := g.dispatcher.Register(protocol.MethodServerInfo, g.serverInfo); err != nil {
		cancelBase()
		return nil, fmt.Errorf("registering server_info: %w", err)
	}
	g.broadcaster = broadcast.New(g.registry, broadcast.Config{
		SendTimeout: cfg.Sessions.WriteTimeout,
		Logger:      logger,
		Metrics:     g.metrics,
	})
	g.dedupe = dedupe.New(dedupe.Config{
		TTL:     cfg.Dedupe.TTL,
		MaxSize: cfg.Dedupe.MaxSize,
	})

	g.health = health.NewServer()
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	g.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	g.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(g.grpcServer, g.health)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	return g, nil
}

// Handler returns the HTTP handler serving the websocket endpoint and the
// admin API.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(g.config.Server.WSPath, g.handleWebsocket)
	g.registerAPIRoutes(mux)
	return mux
}

// Dispatcher exposes the method table so embedding code can register
// handlers before Run.
func (g *Gateway) Dispatcher() *dispatch.Dispatcher {
	return g.dispatcher
}

// Registry returns the live session registry.
func (g *Gateway) Registry() *agent.Registry {
	return g.registry
}

// Broadcaster returns the event broadcaster.
func (g *Gateway) Broadcaster() *broadcast.Broadcaster {
	return g.broadcaster
}

// ServerID returns this gateway instance's identifier.
func (g *Gateway) ServerID() string {
	return g.serverID
}

func (g *Gateway) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(w, r, transport.DefaultReadLimit)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	g.ServeConn(r.Context(), conn)
}

// Run starts the servers and the stale sweep, and blocks until ctx is
// canceled or a server fails. It returns nil after a graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	var grpcLn net.Listener
	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return g.Serve(ctx, httpLn, grpcLn)
}

// Serve is Run on caller-provided listeners. grpcLn may be nil.
func (g *Gateway) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String(), "ws_path", g.config.Server.WSPath)
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if grpcLn != nil {
		group.Go(func() error {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		g.sweepLoop(gctx)
		return nil
	})

	group.Go(func() error {
		<-gctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// trackConn registers a connection handler unless shutdown has begun.
func (g *Gateway) trackConn() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.conns.Add(1)
	return true
}

// Shutdown stops accepting connections, closes every live session, waits
// for connection handlers to finish their cleanup and releases resources.
// Later calls return the first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.stopOnce.Do(func() { g.stopErr = g.shutdown(ctx) })
	return g.stopErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.health.Shutdown()

	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Hijacked websocket connections are not tracked by http.Server.
	g.cancelBase()
	for _, sess := range g.registry.All() {
		_ = sess.Close("gateway shutting down")
	}

	drained := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		g.logger.Warn("connection handlers did not finish before shutdown deadline")
	}

	g.shutdownGRPCServer(ctx)
	g.dedupe.Close()

	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}

	return errors.Join(errs...)
}

// ServerInfo is the payload returned by the server_info builtin.
type ServerInfo struct {
	ServerID        string  `json:"server_id"`
	Version         string  `json:"version"`
	ProtocolVersion string  `json:"protocol_version"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	Agents          int     `json:"agents"`
}

func (g *Gateway) serverInfo(context.Context, map[string]any) (any, error) {
	return ServerInfo{
		ServerID:        g.serverID,
		Version:         g.version,
		ProtocolVersion: protocol.Version,
		UptimeSeconds:   time.Since(g.startedAt).Seconds(),
		Agents:          g.registry.Count(),
	}, nil
}
