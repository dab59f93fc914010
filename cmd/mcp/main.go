package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	mcpcmd "github.com/stacc/flow-mcp/internal/cmd/mcp"
	"github.com/stacc/flow-mcp/internal/platform/config"
)

// main starts the MCP server over streamable HTTP.
func main() {
	cfg, err := mcpcmd.ParseConfig(flag.CommandLine, os.Args[1:], os.Environ())
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	logger, err := mcpcmd.NewLogger(cfg)
	if err != nil {
		config.Exitf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mcpcmd.Run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("failed to serve MCP")
		stop()
		os.Exit(1)
	}
}
