package config

import (
	"fmt"

	"github.com/caarlos0/env/v10"
)

// Load parses environment variables into the provided struct.
// The struct should use `env` tags to define mappings.
//
// Example:
//
//	type Config struct {
//	    Port      int           `env:"HTTP_PORT" envDefault:"8080"`
//	    JWTSecret string        `env:"JWT_SECRET,required"`
//	    AccessTTL time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
//	}
func Load(cfg any) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}
