package codegen

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRegistry(t *testing.T) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rc.Close() })
	return NewRedisRegistry(rc, time.Hour), m
}

func TestNextReservesCode(t *testing.T) {
	reg, m := newTestRegistry(t)
	g := New(reg, 3)
	code, err := g.Next(context.Background(), " emp ")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !strings.HasPrefix(code, "EMP-") || len(code) != len("EMP-")+6 {
		t.Fatalf("unexpected code %q", code)
	}
	for _, c := range code[4:] {
		if !strings.ContainsRune(alphabet, c) {
			t.Fatalf("unexpected character %q in %q", c, code)
		}
	}
	if !m.Exists("codes:" + code) {
		t.Fatalf("code not reserved")
	}
	if ttl := m.TTL("codes:" + code); ttl != time.Hour {
		t.Fatalf("unexpected ttl %v", ttl)
	}
}

func TestCollisionRetriesThenBusy(t *testing.T) {
	reg, m := newTestRegistry(t)
	g := New(reg, 3)
	// every draw yields the same candidate
	g.intn = func(int) int { return 0 }
	ctx := context.Background()

	first, err := g.Next(ctx, "DEP")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first != "DEP-222222" {
		t.Fatalf("unexpected code %q", first)
	}
	if _, err := g.Next(ctx, "DEP"); !errors.Is(err, ErrSystemBusy) {
		t.Fatalf("expected ErrSystemBusy, got %v", err)
	}

	if err := reg.Release(ctx, first); err != nil {
		t.Fatalf("release: %v", err)
	}
	if m.Exists("codes:" + first) {
		t.Fatalf("code still reserved")
	}
	if _, err := g.Next(ctx, "DEP"); err != nil {
		t.Fatalf("next after release: %v", err)
	}
}

type countingRegistry struct {
	calls int
	taken int
	err   error
}

func (c *countingRegistry) Reserve(context.Context, string) (bool, error) {
	c.calls++
	if c.err != nil {
		return false, c.err
	}
	return c.calls > c.taken, nil
}

func TestAttemptsAreBounded(t *testing.T) {
	reg := &countingRegistry{taken: 100}
	if _, err := New(reg, 4).Next(context.Background(), "EMP"); !errors.Is(err, ErrSystemBusy) {
		t.Fatalf("expected ErrSystemBusy, got %v", err)
	}
	if reg.calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", reg.calls)
	}

	reg = &countingRegistry{taken: 2}
	if _, err := New(reg, 4).Next(context.Background(), "EMP"); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if reg.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", reg.calls)
	}
}

func TestRegistryErrorIsNotBusy(t *testing.T) {
	reg := &countingRegistry{err: errors.New("connection refused")}
	_, err := New(reg, 4).Next(context.Background(), "EMP")
	if err == nil || errors.Is(err, ErrSystemBusy) {
		t.Fatalf("expected registry error, got %v", err)
	}
	if reg.calls != 1 {
		t.Fatalf("registry errors must not be retried, got %d calls", reg.calls)
	}
	if _, err := New(reg, 1).Next(context.Background(), "  "); err == nil {
		t.Fatalf("expected prefix error")
	}
}
