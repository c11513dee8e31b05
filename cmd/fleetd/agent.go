package main

import (
	"context"
	"encoding/json"
	"errors"
	"os/signal"
	"syscall"

	"github.com/devghori1264/aerophoenix/fleetd/internal/config"
	"github.com/devghori1264/aerophoenix/fleetd/internal/logging"
	natsclient "github.com/devghori1264/aerophoenix/fleetd/internal/nats"
	"github.com/devghori1264/aerophoenix/fleetd/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// agentCmd runs a simulated machine agent that consumes the commands the
// NATS effector publishes.
func agentCmd(configPath *string) *cobra.Command {
	var natsURL string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Consume machine commands from NATS and simulate them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("nats-url") {
				cfg.NATS.URL = natsURL
			}
			if cfg.NATS.URL == "" {
				return errors.New("nats url is required")
			}
			log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			pub, err := natsclient.NewPublisher(cfg.NATS.URL, "aerophoenix-fleetd-agent", log.Named("nats"))
			if err != nil {
				return err
			}
			defer pub.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sim := server.SimEffector{Delay: cfg.Effector.Delay, Log: log}
			subject := cfg.NATS.SubjectPrefix + ".commands.>"
			log.Info("agent subscribed", zap.String("subject", subject))
			return pub.Subscribe(ctx, subject, func(subject string, data []byte) {
				var c server.Command
				if err := json.Unmarshal(data, &c); err != nil {
					log.Warn("bad command", zap.String("subject", subject), zap.Error(err))
					return
				}
				err := sim.Execute(ctx, c.Action, c.Machine())
				log.Info("command executed",
					zap.String("action", string(c.Action)),
					zap.String("machine_id", c.MachineID),
					zap.Error(err))
			})
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS URL")
	return cmd
}
