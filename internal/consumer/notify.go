package consumer

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/mailiemtruc/officesync-sub000/internal/replica"
)

// Notifier is told about every message the replica converged on.
type Notifier interface {
	Notify(ctx context.Context, res replica.Result)
}

// Change is the notification published for a converged message.
type Change struct {
	Replica    string `json:"replica"`
	RoutingKey string `json:"routingKey"`
	ID         int64  `json:"id"`
	PreviousID int64  `json:"previousId,omitempty"`
	Outcome    string `json:"outcome"`
}

// RedisNotifier publishes changes on a Redis channel for listeners that
// fan them out further.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	replica string
	logger  *log.Logger
}

// NewRedisNotifier creates a notifier publishing on channel.
func NewRedisNotifier(client *redis.Client, channel, replicaName string, logger *log.Logger) *RedisNotifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisNotifier{client: client, channel: channel, replica: replicaName, logger: logger}
}

func (n *RedisNotifier) Notify(ctx context.Context, res replica.Result) {
	payload, err := sonic.Marshal(Change{
		Replica:    n.replica,
		RoutingKey: string(res.Entity) + "." + string(res.Action),
		ID:         res.ID,
		PreviousID: res.PreviousID,
		Outcome:    string(res.Outcome),
	})
	if err != nil {
		n.logger.WithError(err).Error("unable to encode change notification")
		return
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		n.logger.WithError(err).WithField("channel", n.channel).Error("unable to publish change notification")
	}
}

// Watch subscribes to channel and hands every decoded change to handle
// until ctx is done. A closed subscription is reopened after backoff.
func Watch(ctx context.Context, client *redis.Client, channel string, backoff time.Duration, logger *log.Logger, handle func(Change)) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		sub := client.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var c Change
				if err := sonic.UnmarshalString(msg.Payload, &c); err != nil {
					logger.WithError(err).WithField("channel", channel).Error("unable to parse change notification")
					continue
				}
				handle(c)
			}
		}
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.WithField("channel", channel).Error("change subscription closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}
