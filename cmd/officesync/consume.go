package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mailiemtruc/officesync-sub000/internal/bus"
	"github.com/mailiemtruc/officesync-sub000/internal/config"
	"github.com/mailiemtruc/officesync-sub000/internal/consumer"
	"github.com/mailiemtruc/officesync-sub000/internal/health"
	"github.com/mailiemtruc/officesync-sub000/internal/replica"
)

func newConsumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Apply change events from BUS_QUEUE to the local replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load[config.Consume]()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runConsumer(ctx, cfg)
		},
	}
}

func runConsumer(ctx context.Context, cfg config.Consume) error {
	logger := log.StandardLogger()
	name := cfg.ReplicaName()
	fields := log.Fields{"replica": name, "queue": cfg.Bus.Queue}

	h, err := openBus(cfg.Bus)
	if err != nil {
		return err
	}
	defer h.Close()
	queue, err := openQueue(ctx, h, cfg.Bus, logger)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var notifiers consumer.Notifiers
	if h.redis == nil && (cfg.Consumer.NotifyChannel != "" || cfg.Consumer.CacheTTL > 0) {
		rc, err := newRedisClient(cfg.Bus.RedisConnectionString)
		if err != nil {
			return err
		}
		h.redis = rc
	}
	if cfg.Consumer.NotifyChannel != "" {
		notifiers = append(notifiers, consumer.NewRedisNotifier(h.redis, cfg.Consumer.NotifyChannel, name, logger))
	}
	if cfg.Consumer.CacheTTL > 0 {
		notifiers = append(notifiers, consumer.NewRowCache(store, h.redis, name, cfg.Consumer.CacheTTL, logger))
	}
	var notifier consumer.Notifier
	if len(notifiers) > 0 {
		notifier = notifiers
	}

	rec := replica.NewReconciler(name, store, logger)
	c := consumer.New(queue, rec, notifier, logger, consumer.Config{
		Workers:      cfg.Consumer.Workers,
		PollInterval: cfg.Consumer.PollInterval,
	})

	srv := health.NewServer(name, store, c.Stats(), logger)
	go func() {
		if err := srv.Start(cfg.Consumer.HealthAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("health server stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.WithFields(fields).Info("consumer starting")
	err = c.Run(ctx)
	logger.WithFields(fields).WithField("stats", c.Stats().Snapshot()).Info("consumer stopped")
	return err
}

func openQueue(ctx context.Context, h *busHandle, cfg config.Bus, logger *log.Logger) (bus.Queue, error) {
	switch {
	case h.redisX != nil:
		patterns, err := bus.ParseBindings(cfg.Bindings)
		if err != nil {
			return nil, err
		}
		for _, p := range patterns {
			if err := h.redisX.Bind(ctx, cfg.Queue, p); err != nil {
				return nil, fmt.Errorf("bind %s to %s: %w", cfg.Queue, p, err)
			}
		}
		q := h.redisX.Queue(cfg.Queue, cfg.Wait)
		moved, err := q.Recover(ctx)
		if err != nil {
			return nil, fmt.Errorf("recover %s: %w", cfg.Queue, err)
		}
		if moved > 0 {
			logger.WithFields(log.Fields{"queue": cfg.Queue, "count": moved}).Warn("requeued unacknowledged messages")
		}
		return q, nil
	case h.azureX != nil:
		return h.azureX.Queue(cfg.Queue, cfg.VisibilityTimeout)
	}
	return nil, errors.New("the memory bus only lives inside one process and cannot be consumed")
}
