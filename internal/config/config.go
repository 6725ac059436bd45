// Package config loads process settings from the environment.
package config

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
)

// Bus selects and addresses the message bus.
type Bus struct {
	Driver                  string        `env:"BUS_DRIVER" envDefault:"redis"`
	Exchange                string        `env:"BUS_EXCHANGE" envDefault:"officesync"`
	Queue                   string        `env:"BUS_QUEUE"`
	Bindings                []string      `env:"BUS_BINDINGS" envSeparator:";"`
	Wait                    time.Duration `env:"BUS_WAIT" envDefault:"5s"`
	VisibilityTimeout       time.Duration `env:"BUS_VISIBILITY_TIMEOUT" envDefault:"30s"`
	RedisConnectionString   string        `env:"REDIS_CONNECTION_STRING"`
	StorageConnectionString string        `env:"STORAGE_CONNECTION_STRING"`
}

// Replica selects the replica store.
type Replica struct {
	Driver     string `env:"REPLICA_DRIVER" envDefault:"sqlite"`
	Name       string `env:"REPLICA_NAME"`
	SQLitePath string `env:"REPLICA_SQLITE_PATH" envDefault:"replica.db"`
	Table      string `env:"REPLICA_TABLE" envDefault:"replicas"`
}

// Consumer tunes the queue consumer process.
type Consumer struct {
	Workers       int           `env:"CONSUMER_WORKERS" envDefault:"1"`
	PollInterval  time.Duration `env:"CONSUMER_POLL_INTERVAL" envDefault:"1s"`
	NotifyChannel string        `env:"NOTIFY_CHANNEL"`
	CacheTTL      time.Duration `env:"CACHE_TTL"`
	HealthAddr    string        `env:"HEALTH_ADDR" envDefault:":8080"`
}

// IDGen configures the identifier generator.
type IDGen struct {
	MachineID int64 `env:"IDGEN_MACHINE_ID" envDefault:"0"`
	// EpochMS is the custom epoch in Unix milliseconds; zero keeps the
	// default.
	EpochMS int64 `env:"IDGEN_EPOCH_MS"`
}

// Outbox tunes event emission workers.
type Outbox struct {
	Buffer         int           `env:"OUTBOX_BUFFER" envDefault:"4096"`
	Workers        int           `env:"OUTBOX_WORKERS" envDefault:"4"`
	PublishTimeout time.Duration `env:"OUTBOX_PUBLISH_TIMEOUT" envDefault:"10s"`
}

// Codegen tunes business code generation.
type Codegen struct {
	Attempts int           `env:"CODEGEN_ATTEMPTS" envDefault:"5"`
	TTL      time.Duration `env:"CODEGEN_TTL"`
}

// Consume is everything a consumer process needs.
type Consume struct {
	Debug    bool `env:"DEBUG"`
	Bus      Bus
	Replica  Replica
	Consumer Consumer
}

// ReplicaName is the replica name, defaulting to the queue name.
func (c Consume) ReplicaName() string {
	if c.Replica.Name != "" {
		return c.Replica.Name
	}
	return c.Bus.Queue
}

// Publish is everything a publishing process needs.
type Publish struct {
	Debug  bool `env:"DEBUG"`
	Bus    Bus
	IDGen  IDGen
	Outbox Outbox
}

// Load parses the environment into T.
func Load[T any]() (T, error) {
	var cfg T
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the bus settings needed to publish.
func (b Bus) Validate() error {
	switch b.Driver {
	case "redis":
		if b.RedisConnectionString == "" {
			return fmt.Errorf("missing REDIS_CONNECTION_STRING")
		}
	case "azure":
		if b.StorageConnectionString == "" {
			return fmt.Errorf("missing STORAGE_CONNECTION_STRING")
		}
		if len(b.Bindings) == 0 {
			return fmt.Errorf("azure bus needs BUS_BINDINGS")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown BUS_DRIVER %q", b.Driver)
	}
	return nil
}

// Validate checks the settings needed to consume.
func (c Consume) Validate() error {
	if err := c.Bus.Validate(); err != nil {
		return err
	}
	if c.Bus.Queue == "" {
		return fmt.Errorf("missing BUS_QUEUE")
	}
	switch c.Replica.Driver {
	case "sqlite", "memory":
	case "tables":
		if c.Bus.StorageConnectionString == "" {
			return fmt.Errorf("tables replica needs STORAGE_CONNECTION_STRING")
		}
	default:
		return fmt.Errorf("unknown REPLICA_DRIVER %q", c.Replica.Driver)
	}
	if c.Consumer.NotifyChannel != "" && c.Bus.RedisConnectionString == "" {
		return fmt.Errorf("NOTIFY_CHANNEL needs REDIS_CONNECTION_STRING")
	}
	if c.Consumer.CacheTTL > 0 && c.Bus.RedisConnectionString == "" {
		return fmt.Errorf("CACHE_TTL needs REDIS_CONNECTION_STRING")
	}
	return nil
}

// ParseAzureBindings reads "queue=pattern,pattern" entries.
func ParseAzureBindings(entries []string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		queue, patterns, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(queue) == "" {
			return nil, fmt.Errorf("invalid binding %q, want queue=pattern[,pattern]", entry)
		}
		queue = strings.TrimSpace(queue)
		for _, p := range strings.Split(patterns, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out[queue] = append(out[queue], p)
			}
		}
	}
	return out, nil
}

// RedisOptions accepts a redis:// URL or the Azure Cache form
// "host:port,password=...,ssl=True".
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, fmt.Errorf("missing redis config")
	}
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}
