package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load[Consume]()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bus.Driver != "redis" || cfg.Replica.Driver != "sqlite" || cfg.Consumer.Workers != 1 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Consumer.PollInterval != time.Second {
		t.Fatalf("unexpected poll interval %v", cfg.Consumer.PollInterval)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BUS_DRIVER", "azure")
	t.Setenv("BUS_QUEUE", "hr")
	t.Setenv("BUS_BINDINGS", "hr=employee.#,department.*;attendance=employee.*")
	t.Setenv("STORAGE_CONNECTION_STRING", "UseDevelopmentStorage=true")
	t.Setenv("CONSUMER_WORKERS", "3")
	t.Setenv("DEBUG", "true")

	cfg, err := Load[Consume]()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !cfg.Debug || cfg.Consumer.Workers != 3 || len(cfg.Bus.Bindings) != 2 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	bindings, err := ParseAzureBindings(cfg.Bus.Bindings)
	if err != nil {
		t.Fatalf("bindings: %v", err)
	}
	if len(bindings["hr"]) != 2 || bindings["attendance"][0] != "employee.*" {
		t.Fatalf("unexpected bindings %v", bindings)
	}
}

func TestLoadError(t *testing.T) {
	t.Setenv("CONSUMER_WORKERS", "many")
	_, err := Load[Consume]()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Consume
		want string
	}{
		{"no queue", Consume{Bus: Bus{Driver: "memory"}, Replica: Replica{Driver: "memory"}}, "BUS_QUEUE"},
		{"no redis", Consume{Bus: Bus{Driver: "redis", Queue: "hr"}, Replica: Replica{Driver: "memory"}}, "REDIS_CONNECTION_STRING"},
		{"bad driver", Consume{Bus: Bus{Driver: "kafka", Queue: "hr"}}, "BUS_DRIVER"},
		{"bad replica", Consume{Bus: Bus{Driver: "memory", Queue: "hr"}, Replica: Replica{Driver: "mongo"}}, "REPLICA_DRIVER"},
		{"cache without redis", Consume{Bus: Bus{Driver: "memory", Queue: "hr"}, Replica: Replica{Driver: "memory"}, Consumer: Consumer{CacheTTL: time.Hour}}, "CACHE_TTL"},
		{"ok", Consume{Bus: Bus{Driver: "memory", Queue: "hr"}, Replica: Replica{Driver: "memory"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestRedisOptions(t *testing.T) {
	opts, err := RedisOptions("redis://:secret@localhost:6380/2")
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if opts.Addr != "localhost:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Fatalf("unexpected url options %+v", opts)
	}
	opts, err = RedisOptions("cache.redis.windows.net:6380,password=abc=,ssl=True,abortConnect=False")
	if err != nil {
		t.Fatalf("azure form: %v", err)
	}
	if opts.Addr != "cache.redis.windows.net:6380" || opts.Password != "abc=" || opts.TLSConfig == nil {
		t.Fatalf("unexpected azure options %+v", opts)
	}
	if _, err := RedisOptions(""); err == nil {
		t.Fatalf("expected error for empty string")
	}
}
