package config

import (
	"strings"
	"testing"
	"time"
)

type envTestConfig struct {
	Port    int           `env:"FLOW_MCP_TEST_PORT" envDefault:"123"`
	Hosts   []string      `env:"FLOW_MCP_TEST_HOSTS" envSeparator:","`
	Timeout time.Duration `env:"FLOW_MCP_TEST_TIMEOUT" envDefault:"10s"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("expected default port 123, got %d", cfg.Port)
	}
	if cfg.Timeout != 10*time.Second {
		t.Fatalf("expected default timeout 10s, got %v", cfg.Timeout)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("FLOW_MCP_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestParseEnvironUsesGivenPairs(t *testing.T) {
	t.Setenv("FLOW_MCP_TEST_PORT", "999")

	var cfg envTestConfig
	err := ParseEnviron(&cfg, []string{
		"FLOW_MCP_TEST_PORT=456",
		"FLOW_MCP_TEST_HOSTS=a.example, b.example",
		"FLOW_MCP_TEST_TIMEOUT=2s",
	})
	if err != nil {
		t.Fatalf("parse environ: %v", err)
	}
	if cfg.Port != 456 {
		t.Fatalf("expected injected port 456, got %d", cfg.Port)
	}
	if len(cfg.Hosts) != 2 || cfg.Hosts[0] != "a.example" {
		t.Fatalf("expected two hosts, got %v", cfg.Hosts)
	}
	if cfg.Timeout != 2*time.Second {
		t.Fatalf("expected 2s timeout, got %v", cfg.Timeout)
	}
}
