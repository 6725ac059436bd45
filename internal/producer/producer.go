// Package producer emits change events after local mutations commit.
package producer

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mailiemtruc/officesync-sub000/internal/bus"
	"github.com/mailiemtruc/officesync-sub000/internal/domain"
	"github.com/mailiemtruc/officesync-sub000/internal/wire"
)

const tracerName = "github.com/mailiemtruc/officesync-sub000/internal/producer"

// Producer publishes the full state of changed entities. Publishing is
// fire-and-forget: a failure is logged and never surfaced to the mutation
// that caused it.
type Producer struct {
	exchange bus.Exchange
	logger   *log.Logger
	tracer   trace.Tracer
}

// New creates a producer publishing to exchange.
func New(exchange bus.Exchange, logger *log.Logger) *Producer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Producer{exchange: exchange, logger: logger, tracer: otel.Tracer(tracerName)}
}

// Publish sends state under "<entity>.<action>". state is the entity's full
// post-change representation, or its id for deletes. Call it only once the
// change is durably committed.
func (p *Producer) Publish(ctx context.Context, entity domain.EntityType, action domain.Action, state any) {
	body, err := wire.Encode(state)
	if err != nil {
		p.logger.WithFields(log.Fields{"entity": entity, "action": action}).WithError(err).Error("event encode failed")
		return
	}
	p.send(ctx, domain.RoutingKey(entity, action), body)
}

func (p *Producer) send(ctx context.Context, key string, body []byte) bool {
	ctx, span := p.tracer.Start(ctx, "producer.publish", trace.WithAttributes(
		attribute.String("officesync.routing_key", key),
	))
	defer span.End()

	if err := p.exchange.Publish(ctx, key, body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.WithField("routing_key", key).WithError(err).Error("event publish failed")
		return false
	}
	p.logger.WithField("routing_key", key).Debug("event published")
	return true
}

// record is one encoded event waiting for its unit of work to commit.
type record struct {
	key  string
	id   int64
	body []byte
}

func newRecord(entity domain.EntityType, action domain.Action, id int64, state any) (record, error) {
	if id <= 0 {
		return record{}, fmt.Errorf("producer: %s.%s without id", entity, action)
	}
	if state == nil {
		state = id
	}
	body, err := wire.Encode(state)
	if err != nil {
		return record{}, fmt.Errorf("producer: encode %s.%s %d: %w", entity, action, id, err)
	}
	return record{key: domain.RoutingKey(entity, action), id: id, body: body}, nil
}
