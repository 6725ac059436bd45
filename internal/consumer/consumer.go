// Package consumer drains a replica's queue into its reconciler. Every
// delivery is acknowledged once it has been processed, whether it applied or
// was dropped, so a poisoned message never blocks the queue.
package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mailiemtruc/officesync-sub000/internal/bus"
	"github.com/mailiemtruc/officesync-sub000/internal/domain"
	"github.com/mailiemtruc/officesync-sub000/internal/replica"
)

// Config tunes a Consumer.
type Config struct {
	// Workers is the number of concurrent receivers. Events for one entity
	// can be applied out of order when it is above one.
	Workers      int
	PollInterval time.Duration
}

// Consumer feeds deliveries from one queue to one reconciler.
type Consumer struct {
	queue    bus.Queue
	rec      *replica.Reconciler
	notifier Notifier
	logger   *log.Logger
	cfg      Config
	stats    Stats
}

// New creates a consumer. notifier may be nil.
func New(queue bus.Queue, rec *replica.Reconciler, notifier Notifier, logger *log.Logger, cfg Config) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Consumer{queue: queue, rec: rec, notifier: notifier, logger: logger, cfg: cfg}
}

// Stats returns the consumer's counters.
func (c *Consumer) Stats() *Stats { return &c.stats }

// Run processes deliveries until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.work(ctx, id)
		}(i)
	}
	wg.Wait()
	return nil
}

func (c *Consumer) work(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		handled, err := c.HandleNext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			c.logger.WithError(err).WithField("worker", id).Error("receive failed")
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// HandleNext receives and processes at most one delivery. It reports whether
// a delivery was handled.
func (c *Consumer) HandleNext(ctx context.Context) (bool, error) {
	d, err := c.queue.Receive(ctx)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}
	c.Handle(ctx, d)
	return true, nil
}

// Handle applies one delivery and acknowledges it.
func (c *Consumer) Handle(ctx context.Context, d *bus.Delivery) replica.Result {
	c.stats.received.Add(1)
	var res replica.Result
	if d.Message.RoutingKey == "" {
		res = replica.Result{Outcome: replica.OutcomeDropped, Err: domain.ErrMalformedPayload}
		c.logger.WithField("message_id", d.Message.ID).Error("delivery without routing key dropped")
	} else {
		res = c.rec.ApplyRoutingKey(ctx, d.Message.RoutingKey, []byte(d.Message.Body))
	}

	switch {
	case !res.OK():
		c.stats.dropped.Add(1)
	case res.Outcome == replica.OutcomeIgnored:
		c.stats.ignored.Add(1)
	default:
		c.stats.applied.Add(1)
		if res.Outcome == replica.OutcomeMerged {
			c.stats.merged.Add(1)
		}
	}
	if res.OK() && res.Outcome != replica.OutcomeIgnored && c.notifier != nil {
		c.notifier.Notify(ctx, res)
	}

	if err := c.queue.Ack(ctx, d); err != nil {
		// redelivery is harmless, the reconciler is idempotent
		c.stats.ackFailures.Add(1)
		c.logger.WithError(err).WithField("message_id", d.Message.ID).Warn("ack failed")
	}
	return res
}
