package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mailiemtruc/officesync-sub000/internal/codegen"
	"github.com/mailiemtruc/officesync-sub000/internal/config"
	"github.com/mailiemtruc/officesync-sub000/internal/storageinit"
)

func newBindCommand() *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "bind <queue> <pattern>...",
		Short: "Bind a queue to routing key patterns",
		Long: `Bind a queue to routing key patterns. "*" matches one word and "#"
matches zero or more words, so "employee.#" receives every employee event.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load[config.Bus]()
			if err != nil {
				return err
			}
			h, err := openBus(cfg)
			if err != nil {
				return err
			}
			defer h.Close()
			ctx := cmd.Context()
			for _, p := range args[1:] {
				if remove {
					err = h.binder.Unbind(ctx, args[0], p)
				} else {
					err = h.binder.Bind(ctx, args[0], p)
				}
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the bindings instead")
	return cmd
}

func newBindingsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bindings",
		Short: "List queue bindings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load[config.Bus]()
			if err != nil {
				return err
			}
			h, err := openBus(cfg)
			if err != nil {
				return err
			}
			defer h.Close()
			bindings, err := h.binder.Bindings(cmd.Context())
			if err != nil {
				return err
			}
			queues := make([]string, 0, len(bindings))
			for q := range bindings {
				queues = append(queues, q)
			}
			sort.Strings(queues)
			for _, q := range queues {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", q, strings.Join(bindings[q], ","))
			}
			return nil
		},
	}
}

func newNextIDCommand() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "next-id",
		Short: "Print freshly generated identifiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load[config.IDGen]()
			if err != nil {
				return err
			}
			gen, err := newIDGenerator(cfg)
			if err != nil {
				return err
			}
			for i := 0; i < count; i++ {
				id, err := gen.NextID()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of ids")
	return cmd
}

type codeConfig struct {
	Bus     config.Bus
	Codegen config.Codegen
}

func newNextCodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "next-code <prefix>",
		Short: "Reserve and print a business code such as EMP-4F9K2Q",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load[codeConfig]()
			if err != nil {
				return err
			}
			rc, err := newRedisClient(cfg.Bus.RedisConnectionString)
			if err != nil {
				return err
			}
			defer rc.Close()
			gen := codegen.New(codegen.NewRedisRegistry(rc, cfg.Codegen.TTL), cfg.Codegen.Attempts)
			code, err := gen.Next(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), code)
			return nil
		},
	}
}

type storageConfig struct {
	Bus     config.Bus
	Replica config.Replica
}

func newInitStorageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-storage",
		Short: "Create the Azure replica table and bound queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load[storageConfig]()
			if err != nil {
				return err
			}
			if cfg.Bus.StorageConnectionString == "" {
				return fmt.Errorf("missing STORAGE_CONNECTION_STRING")
			}
			queues, err := storageQueues(cfg.Bus)
			if err != nil {
				return err
			}
			return initStorage(cmd.Context(), cfg, queues)
		},
	}
}

func storageQueues(cfg config.Bus) ([]string, error) {
	var queues []string
	if cfg.Driver == "azure" {
		bindings, err := config.ParseAzureBindings(cfg.Bindings)
		if err != nil {
			return nil, err
		}
		for q := range bindings {
			queues = append(queues, q)
		}
		sort.Strings(queues)
	}
	if cfg.Queue != "" && !contains(queues, cfg.Queue) {
		queues = append(queues, cfg.Queue)
	}
	return queues, nil
}

func initStorage(ctx context.Context, cfg storageConfig, queues []string) error {
	logger := log.StandardLogger()
	logger.Info("storage init starting")
	if err := storageinit.Run(ctx, cfg.Bus.StorageConnectionString, []string{cfg.Replica.Table}, queues, logger); err != nil {
		return err
	}
	logger.Info("storage init complete")
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
