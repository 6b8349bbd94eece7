package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/piukhq/angelia-sub001/changefeed/config"
	"github.com/piukhq/angelia-sub001/changefeed/log"
	"github.com/piukhq/angelia-sub001/changefeed/rabbitmq"
)

type pingOptions struct {
	Timeout time.Duration
}

func newPingCmd(root *rootOptions) *cobra.Command {
	var opts pingOptions

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Connect to RabbitMQ, declare the destination queue and check broker health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.EnvFiles...)
			if err != nil {
				return err
			}

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			defer func() { _ = logger.Sync(context.Background()) }()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			sender, err := newSender(cfg, newConnection(cfg, logger), nil, logger)
			if err != nil {
				return err
			}

			if err := pingBroker(ctx, sender, cfg.Rabbit.Queue, logger); err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "rabbitmq ok: queue %s declared\n", cfg.Rabbit.Queue)

			return err
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "overall deadline")

	return cmd
}

func pingBroker(ctx context.Context, sender *rabbitmq.Sender, queue string, logger log.Logger) (err error) {
	defer func() {
		if closeErr := sender.Close(context.Background()); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()

	if err := sender.DeclareTopology(ctx, queue); err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}

	if !sender.HealthCheck(ctx) {
		return rabbitmq.ErrBrokerUnhealthy
	}

	logger.Log(ctx, log.LevelInfo, "rabbitmq reachable", log.String("queue", queue))

	return nil
}
