package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from the process environment.
func ParseEnv(target any) error {
	return ParseEnviron(target, os.Environ())
}

// ParseEnviron loads configuration from KEY=VALUE pairs, so callers can
// inject an environment without touching the process one.
func ParseEnviron(target any, environ []string) error {
	if err := env.ParseWithOptions(target, env.Options{Environment: env.ToMap(environ)}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
