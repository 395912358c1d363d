package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	appcfg "github.com/ca-srg/mcpedge/internal/config"
	"github.com/ca-srg/mcpedge/internal/mcpserver"
	"github.com/ca-srg/mcpedge/internal/observability"
	"github.com/ca-srg/mcpedge/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP edge server",
	Long: `
Start an MCP server that accepts Streamable HTTP clients on /mcp and legacy
HTTP+SSE clients on /sse and /messages.

Configuration is loaded from environment variables (and an optional .env file);
flags given on the command line take precedence.

Examples:
  mcpedge serve                                     # Start with default settings
  mcpedge serve --port 9000                         # Use custom port
  mcpedge serve --stateless --json-response         # One transport per request, JSON replies
  mcpedge serve --session-store redis \
    --redis-addr redis:6379 \
    --advertise-url http://node-1:8080              # Share sessions between nodes
`,
	RunE: runServe,
}

func init() {
	registerServeFlags(serveCmd.Flags())
}

func registerServeFlags(flags *pflag.FlagSet) {
	// Server
	flags.String("host", "localhost", "Server host address")
	flags.Int("port", 8080, "Server port")
	flags.String("advertise-url", "", "Base URL other nodes use to reach this node")
	flags.Bool("enable-access-log", true, "Enable HTTP access logging")

	// Transports
	flags.Bool("stateless", false, "Serve Streamable HTTP without sessions")
	flags.Bool("json-response", false, "Answer POST requests with JSON instead of an SSE stream")
	flags.Bool("enable-sse", true, "Serve the legacy HTTP+SSE transport")

	// Sessions
	flags.String("session-store", appcfg.SessionStoreMemory, "Session ownership store: memory|redis")
	flags.String("redis-addr", "localhost:6379", "Redis address for the redis session store")

	// Access control
	flags.StringSlice("allowed-ips", []string{"127.0.0.1", "::1"}, "Comma-separated list of allowed IP addresses/ranges")
	flags.Bool("enable-ip-auth", true, "Enable IP-based authentication")
	flags.Float64("rate-limit", 0, "Requests per second allowed per client IP (0 disables)")
	flags.Bool("trust-upstream-identity", false, "Expose bearer token claims to tools without verifying them")
}

// applyServeFlags copies every flag that was set on the command line into cfg.
func applyServeFlags(flags *pflag.FlagSet, cfg *appcfg.Config) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "host":
			cfg.ServerHost, err = flags.GetString(f.Name)
		case "port":
			cfg.ServerPort, err = flags.GetInt(f.Name)
		case "advertise-url":
			cfg.AdvertiseURL, err = flags.GetString(f.Name)
		case "enable-access-log":
			cfg.EnableAccessLogging, err = flags.GetBool(f.Name)
		case "stateless":
			cfg.Stateless, err = flags.GetBool(f.Name)
		case "json-response":
			cfg.JSONResponse, err = flags.GetBool(f.Name)
		case "enable-sse":
			cfg.SSEEnabled, err = flags.GetBool(f.Name)
		case "session-store":
			cfg.SessionStore, err = flags.GetString(f.Name)
		case "redis-addr":
			cfg.RedisAddr, err = flags.GetString(f.Name)
		case "allowed-ips":
			cfg.AllowedIPs, err = flags.GetStringSlice(f.Name)
		case "enable-ip-auth":
			cfg.IPAuthEnabled, err = flags.GetBool(f.Name)
		case "rate-limit":
			cfg.RateLimit, err = flags.GetFloat64(f.Name)
		case "trust-upstream-identity":
			cfg.TrustUpstreamIdentity, err = flags.GetBool(f.Name)
		}
		if err != nil {
			err = fmt.Errorf("flag --%s: %w", f.Name, err)
		}
	})
	if err != nil {
		return err
	}
	return cfg.Validate()
}

// newLocator returns the session ownership store and a function releasing it.
func newLocator(ctx context.Context, cfg *appcfg.Config) (session.Locator, io.Closer, error) {
	switch cfg.SessionStore {
	case appcfg.SessionStoreRedis:
		locator, err := session.NewRedisLocator(ctx, session.RedisConfig{
			Addr:      cfg.RedisAddr,
			Username:  cfg.RedisUsername,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
			TTL:       cfg.SessionTTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return locator, locator, nil
	default:
		return session.NewMemoryLocator(cfg.SessionTTL), closerFunc(func() error { return nil }), nil
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := appcfg.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyServeFlags(cmd.Flags(), cfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	logger := log.New(os.Stdout, "[MCP Server] ", log.LstdFlags)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.Init(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Printf("Telemetry shutdown error: %v", err)
		}
	}()

	locator, closeLocator, err := newLocator(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}
	defer func() {
		if err := closeLocator.Close(); err != nil {
			logger.Printf("Session store close error: %v", err)
		}
	}()

	server, err := mcpserver.NewServer(cfg, locator, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := mcpserver.RegisterBuiltinTools(server.Tools()); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	logger.Printf("Session store: %s, stateless: %t, JSON responses: %t, SSE: %t",
		cfg.SessionStore, cfg.Stateless, cfg.JSONResponse, cfg.SSEEnabled)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		return server.Router().Run(gctx, cfg.SessionTTL/3)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Printf("Received shutdown signal, stopping server...")
		if !server.IsRunning() {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("MCP server stopped with error: %w", err)
	}
	logger.Printf("MCP server stopped successfully")
	return nil
}
