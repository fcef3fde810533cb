// Package config holds the startup helpers shared by meridian's command
// entry points: environment parsing and fatal-exit reporting.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv fills target from MERIDIAN_* environment variables per its env
// struct tags.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
