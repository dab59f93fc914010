// Package mcp parses MCP command flags and starts the HTTP transport.
package mcp

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	platformcmd "github.com/stacc/flow-mcp/internal/platform/cmd"
	"github.com/stacc/flow-mcp/internal/platform/logging"
	"github.com/stacc/flow-mcp/internal/platform/otel"
	mcpapp "github.com/stacc/flow-mcp/internal/services/mcp/app"
)

// Version is reported in server info; release builds set it with -ldflags.
var Version = "dev"

// Config holds MCP command configuration.
type Config struct {
	HTTPAddr          string        `env:"FLOW_MCP_HTTP_ADDR"           envDefault:"localhost:8081"`
	DownstreamURL     string        `env:"FLOW_MCP_DOWNSTREAM_URL"      envDefault:"http://localhost:8080"`
	DownstreamTimeout time.Duration `env:"FLOW_MCP_DOWNSTREAM_TIMEOUT"  envDefault:"10s"`
	AllowedHosts      []string      `env:"FLOW_MCP_ALLOWED_HOSTS"       envSeparator:","`
	CORSOrigin        string        `env:"FLOW_MCP_CORS_ORIGIN"         envDefault:"*"`
	RateLimitRPS      float64       `env:"FLOW_MCP_RATE_LIMIT_RPS"      envDefault:"0"`
	RateLimitBurst    int           `env:"FLOW_MCP_RATE_LIMIT_BURST"    envDefault:"20"`
	LogLevel          string        `env:"FLOW_MCP_LOG_LEVEL"           envDefault:"info"`
	LogFormat         string        `env:"FLOW_MCP_LOG_FORMAT"          envDefault:"console"`
	Telemetry         otel.Config
}

// ParseConfig parses the given environment and flags into a Config. A nil
// environ reads the process environment.
func ParseConfig(fs *flag.FlagSet, args []string, environ []string) (Config, error) {
	var cfg Config
	if err := platformcmd.ParseConfig(&cfg, environ); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.DownstreamURL, "downstream-url", cfg.DownstreamURL, "base URL of the downstream API")
	fs.DurationVar(&cfg.DownstreamTimeout, "downstream-timeout", cfg.DownstreamTimeout, "timeout for one downstream call")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: console or json")
	if err := platformcmd.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewLogger builds the process logger from cfg.
func NewLogger(cfg Config) (zerolog.Logger, error) {
	logger, err := logging.New(platformcmd.ServiceMCP, logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Out:    os.Stderr,
	})
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("configure logging: %w", err)
	}
	return logger, nil
}

// Run starts the MCP HTTP transport and blocks until ctx ends.
func Run(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	return platformcmd.RunWithTelemetry(ctx, platformcmd.ServiceMCP, platformcmd.RunOptions{
		Telemetry: cfg.Telemetry,
		Logger:    logger,
	}, func(ctx context.Context) error {
		return mcpapp.Run(ctx, mcpapp.Config{
			HTTPAddr:          cfg.HTTPAddr,
			DownstreamURL:     cfg.DownstreamURL,
			DownstreamTimeout: cfg.DownstreamTimeout,
			AllowedHosts:      cfg.AllowedHosts,
			CORSOrigin:        cfg.CORSOrigin,
			RateLimitRPS:      cfg.RateLimitRPS,
			RateLimitBurst:    cfg.RateLimitBurst,
			ServerName:        "flow-mcp",
			ServerVersion:     Version,
			Logger:            logger,
		})
	})
}
