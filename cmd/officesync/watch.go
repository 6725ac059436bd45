package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mailiemtruc/officesync-sub000/internal/config"
	"github.com/mailiemtruc/officesync-sub000/internal/consumer"
)

type watchConfig struct {
	RedisConnectionString string `env:"REDIS_CONNECTION_STRING"`
	NotifyChannel         string `env:"NOTIFY_CHANNEL"`
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print replica change notifications as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load[watchConfig]()
			if err != nil {
				return err
			}
			if cfg.NotifyChannel == "" {
				return fmt.Errorf("missing NOTIFY_CHANNEL")
			}
			rc, err := newRedisClient(cfg.RedisConnectionString)
			if err != nil {
				return err
			}
			defer rc.Close()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()
			consumer.Watch(ctx, rc, cfg.NotifyChannel, 0, log.StandardLogger(), func(c consumer.Change) {
				printChange(out, c)
			})
			return nil
		},
	}
}

func printChange(w io.Writer, c consumer.Change) {
	line, err := sonic.MarshalString(c)
	if err != nil {
		log.WithError(err).Error("unable to encode change")
		return
	}
	fmt.Fprintln(w, line)
}
