package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/mailiemtruc/officesync-sub000/internal/domain"
	"github.com/mailiemtruc/officesync-sub000/internal/replica"
)

// RowCache mirrors replica rows into Redis after each converged message so
// readers can serve them without touching the replica store.
type RowCache struct {
	store   replica.Store
	redis   *redis.Client
	replica string
	ttl     time.Duration
	now     func() time.Time
	logger  *log.Logger
}

type cachedRow struct {
	Version    int                `json:"version"`
	CachedAt   time.Time          `json:"cachedAt"`
	Employee   *domain.Employee   `json:"employee,omitempty"`
	Department *domain.Department `json:"department,omitempty"`
}

// NewRowCache creates a cache for the named replica. A non-positive ttl
// means 12 hours.
func NewRowCache(store replica.Store, rc *redis.Client, replicaName string, ttl time.Duration, logger *log.Logger) *RowCache {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RowCache{store: store, redis: rc, replica: replicaName, ttl: ttl, now: time.Now, logger: logger}
}

// CacheKey is the Redis key holding a cached row.
func CacheKey(replicaName string, kind domain.EntityType, id int64) string {
	return fmt.Sprintf("%s:%s:%d", replicaName, kind, id)
}

// Notify refreshes the cached copy of every row the message reached: its
// own row, the rows whose references it rewrote, and a stale id merged
// away. Rows no longer in the replica are evicted.
func (c *RowCache) Notify(ctx context.Context, res replica.Result) {
	if c == nil || c.redis == nil {
		return
	}
	refs := affectedRows(res)
	rows := make([]cachedRow, len(refs))
	err := c.store.View(ctx, func(r replica.Reader) error {
		for i, ref := range refs {
			rows[i] = cachedRow{Version: 1, CachedAt: c.now().UTC()}
			var err error
			switch ref.Entity {
			case domain.EntityEmployee:
				rows[i].Employee, err = r.GetEmployee(ctx, ref.ID)
			case domain.EntityDepartment:
				rows[i].Department, err = r.GetDepartment(ctx, ref.ID)
			}
			if err != nil {
				return fmt.Errorf("load %s %d: %w", ref.Entity, ref.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		c.logger.WithError(err).WithFields(log.Fields{"replica": c.replica, "entity": res.Entity, "id": res.ID}).
			Error("failed to load rows for cache")
		return
	}

	pipe := c.redis.Pipeline()
	for i, ref := range refs {
		key := CacheKey(c.replica, ref.Entity, ref.ID)
		if rows[i].Employee == nil && rows[i].Department == nil {
			pipe.Del(ctx, key)
			continue
		}
		data, err := sonic.Marshal(rows[i])
		if err != nil {
			c.logger.WithError(err).WithFields(log.Fields{"replica": c.replica, "entity": ref.Entity, "id": ref.ID}).
				Error("failed to marshal cache payload")
			continue
		}
		pipe.Set(ctx, key, data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.WithError(err).WithFields(log.Fields{"replica": c.replica, "entity": res.Entity, "id": res.ID}).
			Error("failed to store cache entries")
	}
}

func affectedRows(res replica.Result) []replica.RowRef {
	refs := []replica.RowRef{{Entity: res.Entity, ID: res.ID}}
	seen := map[replica.RowRef]bool{refs[0]: true}
	add := func(ref replica.RowRef) {
		if ref.ID != 0 && !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	if res.PreviousID != 0 {
		add(replica.RowRef{Entity: res.Entity, ID: res.PreviousID})
	}
	for _, ref := range res.Touched {
		add(ref)
	}
	return refs
}

// Notifiers fans a result out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, res replica.Result) {
	for _, n := range ns {
		n.Notify(ctx, res)
	}
}
