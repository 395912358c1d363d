package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	env "github.com/netflix/go-env"
)

const (
	SessionStoreMemory = "memory"
	SessionStoreRedis  = "redis"
)

// Config holds every runtime setting of the edge server. Values come from the
// environment (optionally seeded from a .env file) and may be overridden by
// command line flags.
type Config struct {
	// HTTP server
	ServerHost            string        `json:"server_host" env:"MCP_SERVER_HOST,default=localhost"`
	ServerPort            int           `json:"server_port" env:"MCP_SERVER_PORT,default=8080"`
	ServerName            string        `json:"server_name" env:"MCP_SERVER_NAME,default=mcpedge"`
	ServerReadTimeout     time.Duration `json:"server_read_timeout" env:"MCP_SERVER_READ_TIMEOUT,default=30s"`
	ServerIdleTimeout     time.Duration `json:"server_idle_timeout" env:"MCP_SERVER_IDLE_TIMEOUT,default=120s"`
	ServerShutdownTimeout time.Duration `json:"server_shutdown_timeout" env:"MCP_SERVER_SHUTDOWN_TIMEOUT,default=10s"`
	EnableAccessLogging   bool          `json:"enable_access_logging" env:"MCP_SERVER_ENABLE_ACCESS_LOGGING,default=true"`
	// AdvertiseURL is the base URL other nodes use to reach this one when a
	// session request has to be forwarded to its owner.
	AdvertiseURL string `json:"advertise_url" env:"MCP_ADVERTISE_URL"`

	// Transports
	Stateless         bool          `json:"stateless" env:"MCP_STATELESS,default=false"`
	JSONResponse      bool          `json:"json_response" env:"MCP_JSON_RESPONSE,default=false"`
	SSEEnabled        bool          `json:"sse_enabled" env:"MCP_SSE_ENABLED,default=true"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" env:"MCP_SSE_HEARTBEAT_INTERVAL,default=30s"`
	StreamBufferSize  int           `json:"stream_buffer_size" env:"MCP_STREAM_BUFFER_SIZE,default=100"`
	MaxBodyBytes      int64         `json:"max_body_bytes" env:"MCP_MAX_BODY_BYTES,default=4194304"`

	// Session ownership
	SessionStore   string        `json:"session_store" env:"MCP_SESSION_STORE,default=memory"`
	SessionTTL     time.Duration `json:"session_ttl" env:"MCP_SESSION_TTL,default=30m"`
	RedisAddr      string        `json:"redis_addr" env:"REDIS_ADDR,default=localhost:6379"`
	RedisUsername  string        `json:"redis_username" env:"REDIS_USERNAME"`
	RedisPassword  string        `json:"-" env:"REDIS_PASSWORD"`
	RedisDB        int           `json:"redis_db" env:"REDIS_DB,default=0"`
	RedisKeyPrefix string        `json:"redis_key_prefix" env:"REDIS_KEY_PREFIX,default=mcpedge:"`

	// Access control
	IPAuthEnabled         bool     `json:"ip_auth_enabled" env:"MCP_IP_AUTH_ENABLED,default=true"`
	AllowedIPsStr         string   `json:"-" env:"MCP_ALLOWED_IPS"`
	AllowedIPs            []string `json:"allowed_ips"`
	TrustForwardedHeaders bool     `json:"trust_forwarded_headers" env:"MCP_TRUST_FORWARDED_HEADERS,default=false"`
	RateLimit             float64  `json:"rate_limit" env:"MCP_RATE_LIMIT,default=0"`
	RateBurst             int      `json:"rate_burst" env:"MCP_RATE_BURST,default=20"`
	TrustUpstreamIdentity bool     `json:"trust_upstream_identity" env:"MCP_TRUST_UPSTREAM_IDENTITY,default=false"`

	// OpenTelemetry
	OTelEnabled              bool    `json:"otel_enabled" env:"OTEL_ENABLED,default=false"`
	OTelServiceName          string  `json:"otel_service_name" env:"OTEL_SERVICE_NAME,default=mcpedge"`
	OTelExporterOTLPEndpoint string  `json:"otel_exporter_otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelExporterOTLPProtocol string  `json:"otel_exporter_otlp_protocol" env:"OTEL_EXPORTER_OTLP_PROTOCOL,default=http/protobuf"`
	OTelResourceAttributes   string  `json:"otel_resource_attributes" env:"OTEL_RESOURCE_ATTRIBUTES"`
	OTelTracesSampler        string  `json:"otel_traces_sampler" env:"OTEL_TRACES_SAMPLER,default=always_on"`
	OTelTracesSamplerArg     float64 `json:"otel_traces_sampler_arg" env:"OTEL_TRACES_SAMPLER_ARG,default=1.0"`
}

var defaultAllowedIPs = []string{"127.0.0.1", "::1"}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return FromEnviron()
}

// FromEnviron parses the process environment without touching .env files.
func FromEnviron() (*Config, error) {
	var config Config

	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	config.AllowedIPs = splitList(config.AllowedIPsStr)
	if len(config.AllowedIPs) == 0 {
		config.AllowedIPs = append([]string(nil), defaultAllowedIPs...)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Validate checks values and clamps the tunables that have safe ranges.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("configuration is nil")
	}

	if err := validateServer(c); err != nil {
		return err
	}
	if err := validateTransport(c); err != nil {
		return err
	}
	if err := validateSessionStore(c); err != nil {
		return err
	}
	return validateAccessControl(c)
}

// Address returns host:port for the listener.
func (c *Config) Address() string {
	return net.JoinHostPort(c.ServerHost, fmt.Sprintf("%d", c.ServerPort))
}

func validateServer(c *Config) error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("MCP_SERVER_PORT must be between 1 and 65535")
	}
	if strings.TrimSpace(c.ServerHost) == "" {
		return fmt.Errorf("MCP_SERVER_HOST cannot be empty")
	}
	if c.ServerReadTimeout <= 0 {
		return fmt.Errorf("MCP_SERVER_READ_TIMEOUT must be greater than 0")
	}
	if c.ServerIdleTimeout <= 0 {
		return fmt.Errorf("MCP_SERVER_IDLE_TIMEOUT must be greater than 0")
	}
	if c.ServerShutdownTimeout <= 0 {
		return fmt.Errorf("MCP_SERVER_SHUTDOWN_TIMEOUT must be greater than 0")
	}

	if c.AdvertiseURL != "" {
		parsed, err := url.Parse(c.AdvertiseURL)
		if err != nil {
			return fmt.Errorf("invalid MCP_ADVERTISE_URL: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("MCP_ADVERTISE_URL scheme must be http or https")
		}
		if parsed.Host == "" {
			return fmt.Errorf("MCP_ADVERTISE_URL must include a host")
		}
	}
	return nil
}

func validateTransport(c *Config) error {
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("MCP_SSE_HEARTBEAT_INTERVAL cannot be negative")
	}
	if c.StreamBufferSize < 1 {
		c.StreamBufferSize = 1
	}
	if c.StreamBufferSize > 10000 {
		c.StreamBufferSize = 10000
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MCP_MAX_BODY_BYTES must be greater than 0")
	}
	if c.MaxBodyBytes > 64<<20 {
		return fmt.Errorf("MCP_MAX_BODY_BYTES cannot exceed 64MB")
	}
	return nil
}

func validateSessionStore(c *Config) error {
	c.SessionStore = strings.ToLower(strings.TrimSpace(c.SessionStore))
	switch c.SessionStore {
	case SessionStoreMemory:
	case SessionStoreRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("REDIS_ADDR is required when MCP_SESSION_STORE=redis")
		}
		if c.RedisDB < 0 {
			return fmt.Errorf("REDIS_DB cannot be negative")
		}
		if c.AdvertiseURL == "" {
			return fmt.Errorf("MCP_ADVERTISE_URL is required when sessions are shared through redis")
		}
	default:
		return fmt.Errorf("unsupported MCP_SESSION_STORE %q (allowed: memory|redis)", c.SessionStore)
	}
	if c.SessionTTL < 0 {
		return fmt.Errorf("MCP_SESSION_TTL cannot be negative")
	}
	return nil
}

func validateAccessControl(c *Config) error {
	if c.IPAuthEnabled && len(c.AllowedIPs) == 0 {
		return fmt.Errorf("MCP_ALLOWED_IPS cannot be empty when IP authentication is enabled")
	}
	for _, entry := range c.AllowedIPs {
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return fmt.Errorf("invalid CIDR in MCP_ALLOWED_IPS: %s", entry)
			}
			continue
		}
		if net.ParseIP(entry) == nil {
			return fmt.Errorf("invalid IP address in MCP_ALLOWED_IPS: %s", entry)
		}
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("MCP_RATE_LIMIT cannot be negative")
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		return fmt.Errorf("MCP_RATE_BURST must be at least 1 when rate limiting is enabled")
	}
	return nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
