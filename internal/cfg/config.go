// Package cfg parses process configuration from the environment.
package cfg

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment-sourced option recognized by the service (spec §6.4),
// plus internal tuning knobs the distilled spec leaves implicit.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	RedisURL    string `env:"REDIS_URL,required,notEmpty"`

	MaxExecutionTimeMs int    `env:"MAX_EXECUTION_TIME_MS" envDefault:"30000"`
	MaxMemoryLimit     string `env:"MAX_MEMORY_LIMIT" envDefault:"128m"`
	MaxCPULimit        string `env:"MAX_CPU_LIMIT" envDefault:"0.5"`

	RateLimitMax       int `env:"RATE_LIMIT_MAX" envDefault:"5"`
	RateLimitWindowMs  int `env:"RATE_LIMIT_WINDOW_MS" envDefault:"60000"`

	AppURL string `env:"APP_URL" envDefault:"http://localhost:3000"`
	Port   int    `env:"PORT" envDefault:"8080"`

	AppEnv string `env:"APP_ENV" envDefault:"production"`

	MaxConcurrentSandboxes int `env:"MAX_CONCURRENT_SANDBOXES" envDefault:"5"`
	QueueWorkers           int `env:"QUEUE_WORKERS" envDefault:"3"`
	SupervisorIntervalMs   int `env:"SUPERVISOR_INTERVAL_MS" envDefault:"30000"`
	SupervisorCleanupMins  int `env:"SUPERVISOR_CLEANUP_INTERVAL_MIN" envDefault:"10"`

	JobRetentionDays    int `env:"JOB_RETENTION_DAYS" envDefault:"7"`
	RoomInactivityHours int `env:"ROOM_INACTIVITY_HOURS" envDefault:"24"`

	SandboxImage string `env:"SANDBOX_IMAGE" envDefault:"gcc:13-bookworm"`
}

// Parse reads Config from the environment, applying defaults and validation.
func Parse() (Config, error) {
	var c Config

	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	return c, nil
}
