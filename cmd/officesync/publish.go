package main

import (
	"fmt"
	"io"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mailiemtruc/officesync-sub000/internal/config"
	"github.com/mailiemtruc/officesync-sub000/internal/domain"
	"github.com/mailiemtruc/officesync-sub000/internal/idgen"
	"github.com/mailiemtruc/officesync-sub000/internal/producer"
	"github.com/mailiemtruc/officesync-sub000/internal/wire"
)

type publishOptions struct {
	newID bool
}

func newPublishCommand() *cobra.Command {
	opts := &publishOptions{}
	cmd := &cobra.Command{
		Use:   "publish <entity> <action> [body|-]",
		Short: "Publish one change event",
		Long: `Publish the full state of an entity under "<entity>.<action>".

The body is a JSON object, or an id for deletes. "-" or no body reads stdin.

Example:
  officesync publish employee create '{"email":"jane@corp.com","role":"MANAGER"}' --new-id
  officesync publish department delete 42`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			if len(args) == 3 && args[2] != "-" {
				body = []byte(args[2])
			} else {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				body = raw
			}
			cfg, err := config.Load[config.Publish]()
			if err != nil {
				return err
			}
			id, err := publish(cmd, cfg, opts, args[0], args[1], body)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.newID, "new-id", false, "assign a freshly generated id to the body")
	return cmd
}

func publish(cmd *cobra.Command, cfg config.Publish, opts *publishOptions, entityArg, actionArg string, body []byte) (int64, error) {
	entity, err := domain.ParseEntityType(entityArg)
	if err != nil {
		return 0, err
	}
	action, err := domain.ParseAction(actionArg)
	if err != nil {
		return 0, err
	}
	if opts.newID {
		if action == domain.ActionDelete {
			return 0, fmt.Errorf("--new-id makes no sense for deletes")
		}
		gen, err := newIDGenerator(cfg.IDGen)
		if err != nil {
			return 0, err
		}
		if body, err = withID(gen, body); err != nil {
			return 0, err
		}
	}

	// validate the event the same way a consumer will read it
	ev, err := wire.Decode(entity, action, body)
	if err != nil {
		return 0, err
	}
	var state any = ev.ID
	switch {
	case action == domain.ActionDelete:
	case entity == domain.EntityEmployee:
		state = ev.Employee
	default:
		state = ev.Department
	}

	h, err := openBus(cfg.Bus)
	if err != nil {
		return 0, err
	}
	defer h.Close()

	ob := producer.NewOutbox(producer.New(h.exchange, log.StandardLogger()), producer.OutboxConfig{
		BufferSize:     cfg.Outbox.Buffer,
		Workers:        cfg.Outbox.Workers,
		PublishTimeout: cfg.Outbox.PublishTimeout,
	})
	err = ob.WithinUnit(func(b *producer.Batch) error {
		return b.Record(entity, action, ev.ID, state)
	})
	ob.Close()
	if err != nil {
		return 0, err
	}
	if ob.Failed() > 0 {
		return 0, fmt.Errorf("%s not published", ev.RoutingKey())
	}
	return ev.ID, nil
}

func newIDGenerator(cfg config.IDGen) (*idgen.Generator, error) {
	var opts []idgen.Option
	if cfg.EpochMS > 0 {
		opts = append(opts, idgen.WithEpoch(time.UnixMilli(cfg.EpochMS)))
	}
	return idgen.New(cfg.MachineID, opts...)
}

func withID(gen *idgen.Generator, body []byte) ([]byte, error) {
	data, err := wire.Normalize(body)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := sonic.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	id, err := gen.NextID()
	if err != nil {
		return nil, err
	}
	obj["id"] = id
	return sonic.Marshal(obj)
}
