// Package worker implements the Worker Agent: the
// long-running process that registers with the control plane, consumes
// probe tasks from its assigned region, runs them through pkg/probe, and
// forwards results through a local durable buffer onto the results queue.
package worker

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds the worker agent's environment-derived configuration. Kept
// separate from internal/config.Config since the worker binary's surface is
// intentionally smaller: it never talks to Postgres directly, and it has no
// server to bind.
type Config struct {
	WorkerID   string `env:"GUARDANT_WORKER_ID,required"`
	OwnerEmail string `env:"GUARDANT_WORKER_OWNER_EMAIL,required"`

	// ControlPlaneURL is used for registration, approval polling, and
	// heartbeats — the worker has no direct Postgres or Redis credential.
	ControlPlaneURL string `env:"GUARDANT_CONTROL_PLANE_URL,required"`

	// BrokerURL is issued at registration approval time; until then the
	// worker polls ControlPlaneURL for its credentials.
	BrokerURL string `env:"BROKER_URL"`

	BufferPath      string `env:"GUARDANT_BUFFER_PATH" envDefault:"/var/lib/guardant-worker/buffer.jsonl"`
	BufferMaxEntries int   `env:"GUARDANT_BUFFER_MAX_ENTRIES" envDefault:"5000"`

	MaxConcurrency int `env:"GUARDANT_MAX_CONCURRENCY" envDefault:"10"`
	RPM            int `env:"GUARDANT_RPM" envDefault:"120"`

	GeoIPPath string `env:"GEOIP_DB_PATH" envDefault:"/etc/guardant/GeoLite2-City.mmdb"`

	HeartbeatInterval string `env:"GUARDANT_HEARTBEAT_INTERVAL" envDefault:"10s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads worker configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing worker config from env: %w", err)
	}
	return cfg, nil
}
