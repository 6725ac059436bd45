package producer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mailiemtruc/officesync-sub000/internal/domain"
)

// OutboxConfig tunes the asynchronous emitters.
type OutboxConfig struct {
	BufferSize     int
	Workers        int
	PublishTimeout time.Duration
}

// ErrBatchClosed is returned when recording on a committed or discarded
// batch.
var ErrBatchClosed = errors.New("producer: batch already closed")

// Outbox binds event emission to a unit of work. Events recorded on a Batch
// are published only after Commit, by a pool of workers. Events for the same
// entity id always go through the same worker, so their order is kept.
// Commit never waits on the bus: an event finding its worker's buffer full
// is logged and counted as failed.
type Outbox struct {
	cfg      OutboxConfig
	producer *Producer
	logger   *log.Logger
	workChs  []chan record
	workerWG sync.WaitGroup

	mu      sync.RWMutex
	closing bool

	delivered atomic.Uint64
	failed    atomic.Uint64
}

// NewOutbox starts the workers.
func NewOutbox(p *Producer, cfg OutboxConfig) *Outbox {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.Workers * 64
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	o := &Outbox{cfg: cfg, producer: p, logger: p.logger}
	per := cfg.BufferSize / cfg.Workers
	if per < 1 {
		per = 1
	}
	for i := 0; i < cfg.Workers; i++ {
		ch := make(chan record, per)
		o.workChs = append(o.workChs, ch)
		o.workerWG.Add(1)
		go o.worker(ch)
	}
	return o
}

func (o *Outbox) worker(ch <-chan record) {
	defer o.workerWG.Done()
	for rec := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PublishTimeout)
		if o.producer.send(ctx, rec.key, rec.body) {
			o.delivered.Add(1)
		} else {
			o.failed.Add(1)
		}
		cancel()
	}
}

func (o *Outbox) dispatch(recs []record) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, rec := range recs {
		if o.closing {
			o.failed.Add(1)
			o.logger.WithField("routing_key", rec.key).Error("outbox closed, event not published")
			continue
		}
		shard := int(uint64(rec.id) % uint64(len(o.workChs)))
		select {
		case o.workChs[shard] <- rec:
		default:
			o.failed.Add(1)
			o.logger.WithFields(log.Fields{"routing_key": rec.key, "id": rec.id}).Error("outbox full, event not published")
		}
	}
}

// Close stops accepting events and waits for queued ones to be published.
func (o *Outbox) Close() {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return
	}
	o.closing = true
	for _, ch := range o.workChs {
		close(ch)
	}
	o.mu.Unlock()
	o.workerWG.Wait()
}

// Delivered reports how many events were published.
func (o *Outbox) Delivered() uint64 { return o.delivered.Load() }

// Failed reports how many events could not be published.
func (o *Outbox) Failed() uint64 { return o.failed.Load() }

// Begin starts collecting the events of one unit of work.
func (o *Outbox) Begin() *Batch {
	return &Batch{outbox: o}
}

// WithinUnit runs fn with a fresh batch. The batch is committed when fn
// returns nil and discarded otherwise. fn must commit its own transaction
// before returning.
func (o *Outbox) WithinUnit(fn func(b *Batch) error) error {
	b := o.Begin()
	if err := fn(b); err != nil {
		b.Discard()
		return err
	}
	b.Commit()
	return nil
}

// Batch holds the events of one unit of work. It is not safe for concurrent
// use.
type Batch struct {
	outbox  *Outbox
	records []record
	closed  bool
}

// Record encodes the entity state now, so later mutations of state do not
// leak into the event. state may be nil for deletes.
func (b *Batch) Record(entity domain.EntityType, action domain.Action, id int64, state any) error {
	if b.closed {
		return ErrBatchClosed
	}
	rec, err := newRecord(entity, action, id, state)
	if err != nil {
		return err
	}
	b.records = append(b.records, rec)
	return nil
}

// Len reports how many events are recorded.
func (b *Batch) Len() int { return len(b.records) }

// Commit hands the recorded events to the workers. Call it after the local
// transaction committed.
func (b *Batch) Commit() {
	if b.closed {
		return
	}
	b.closed = true
	b.outbox.dispatch(b.records)
	b.records = nil
}

// Discard drops the recorded events.
func (b *Batch) Discard() {
	b.closed = true
	b.records = nil
}
