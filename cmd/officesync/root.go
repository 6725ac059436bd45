package main

import (
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	debug bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "officesync",
		Short: "Replicate employees and departments between services",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
				opts.debug = true
			}
			if opts.debug {
				log.SetLevel(log.DebugLevel)
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "debug logging")

	cmd.AddCommand(newConsumeCommand())
	cmd.AddCommand(newPublishCommand())
	cmd.AddCommand(newBindCommand())
	cmd.AddCommand(newBindingsCommand())
	cmd.AddCommand(newNextIDCommand())
	cmd.AddCommand(newNextCodeCommand())
	cmd.AddCommand(newInitStorageCommand())
	cmd.AddCommand(newWatchCommand())
	return cmd
}
