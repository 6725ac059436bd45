// Package codegen issues short human-readable business codes such as
// EMP-4F9K2Q. Codes are random, so uniqueness is enforced by reserving each
// candidate in a shared registry.
package codegen

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSystemBusy is returned when no free code was found within the allowed
// attempts. It is transient; the caller may try again later.
var ErrSystemBusy = errors.New("codegen: system busy, try again")

// alphabet leaves out characters that are easy to misread (0/O, 1/I/L).
const alphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// Registry reserves codes. Reserve reports false when code is taken.
type Registry interface {
	Reserve(ctx context.Context, code string) (bool, error)
}

// Generator draws random codes until one can be reserved.
type Generator struct {
	registry Registry
	attempts int
	length   int
	intn     func(n int) int
}

// New creates a generator trying at most attempts candidates per code.
func New(registry Registry, attempts int) *Generator {
	if attempts <= 0 {
		attempts = 5
	}
	return &Generator{registry: registry, attempts: attempts, length: 6, intn: rand.IntN}
}

// Next returns a reserved code "<PREFIX>-<random>".
func (g *Generator) Next(ctx context.Context, prefix string) (string, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		return "", errors.New("codegen: prefix is required")
	}
	for i := 0; i < g.attempts; i++ {
		code := prefix + "-" + g.random()
		ok, err := g.registry.Reserve(ctx, code)
		if err != nil {
			return "", fmt.Errorf("codegen: reserve %s: %w", code, err)
		}
		if ok {
			return code, nil
		}
	}
	return "", ErrSystemBusy
}

func (g *Generator) random() string {
	var b strings.Builder
	b.Grow(g.length)
	for i := 0; i < g.length; i++ {
		b.WriteByte(alphabet[g.intn(len(alphabet))])
	}
	return b.String()
}

// RedisRegistry keeps reserved codes as Redis keys.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRegistry creates a registry. A zero ttl keeps codes forever.
func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: ttl}
}

func (r *RedisRegistry) key(code string) string {
	return "codes:" + code
}

// Reserve records the code if it does not already exist.
func (r *RedisRegistry) Reserve(ctx context.Context, code string) (bool, error) {
	return r.client.SetNX(ctx, r.key(code), 1, r.ttl).Result()
}

// Release frees a code whose owner was never persisted.
func (r *RedisRegistry) Release(ctx context.Context, code string) error {
	return r.client.Del(ctx, r.key(code)).Err()
}
