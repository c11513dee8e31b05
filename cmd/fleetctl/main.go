package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/devghori1264/aerophoenix/fleetd/internal/client"
	"github.com/devghori1264/aerophoenix/fleetd/internal/logging"
	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type cli struct {
	server  string
	natsURL string
	debug   bool

	out io.Writer
	log *zap.Logger
	api *client.Client
}

func main() {
	if err := newRoot(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRoot(out io.Writer) *cobra.Command {
	c := &cli{out: out, log: zap.NewNop()}
	root := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Manage cluster machines through fleetd",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			level := "warn"
			if c.debug {
				level = "debug"
			}
			log, err := logging.New(level, logging.FormatConsole)
			if err != nil {
				return err
			}
			c.log = log
			c.api = client.New(c.server)
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&c.server, "server", "http://localhost:8080", "fleetd HTTP address")
	pf.StringVar(&c.natsURL, "nats-url", "", "NATS URL for CLI events (optional)")
	pf.BoolVar(&c.debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		c.listCmd(),
		c.getCmd(),
		c.createCmd(),
		c.updateCmd(),
		c.deleteCmd(),
		c.actCmd(models.ActionStart),
		c.actCmd(models.ActionStop),
		c.actCmd(models.ActionReboot),
		c.tagCmd(),
		c.actionCmd(),
	)
	return root
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list CLUSTER",
		Short: "List machines in a cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := c.api.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(ms)
		},
	}
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get CLUSTER ID",
		Short: "Show a machine and its state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.api.Get(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return c.print(st)
		},
	}
}

func (c *cli) createCmd() *cobra.Command {
	var in struct {
		name, ip, instanceType string
		tags                   []string
	}
	cmd := &cobra.Command{
		Use:   "create CLUSTER",
		Short: "Register a machine in a cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := c.api.Create(cmd.Context(), args[0], models.MachineInput{
				Name:         in.name,
				IPAddress:    in.ip,
				InstanceType: in.instanceType,
				Tags:         models.NewTagSet(in.tags...),
			})
			if err != nil {
				return err
			}
			c.emit(map[string]any{"event": "cli.create", "clusterId": args[0], "id": m.ID, "name": m.Name})
			return c.print(m)
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.name, "name", "", "machine name")
	f.StringVar(&in.ip, "ip", "", "machine IP address")
	f.StringVar(&in.instanceType, "type", "", "instance type")
	f.StringArrayVar(&in.tags, "tag", nil, "tag (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("ip")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func (c *cli) updateCmd() *cobra.Command {
	var name, ip, instanceType string
	cmd := &cobra.Command{
		Use:   "update CLUSTER ID",
		Short: "Change machine details",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch models.MachinePatch
			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("ip") {
				patch.IPAddress = &ip
			}
			if cmd.Flags().Changed("type") {
				patch.InstanceType = &instanceType
			}
			res, err := c.api.Update(cmd.Context(), args[0], args[1], patch)
			if err != nil {
				return err
			}
			return c.print(res)
		},
	}
	f := cmd.Flags()
	f.StringVar(&name, "name", "", "machine name")
	f.StringVar(&ip, "ip", "", "machine IP address")
	f.StringVar(&instanceType, "type", "", "instance type")
	return cmd
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete CLUSTER ID",
		Short: "Remove a machine",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.api.Delete(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return c.print(res)
		},
	}
}

func (c *cli) actCmd(action models.Action) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " CLUSTER ID",
		Short: "Run " + string(action) + " on one machine",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.api.Act(cmd.Context(), args[0], args[1], action)
			if err != nil {
				return err
			}
			return c.print(res)
		},
	}
}

func (c *cli) tagCmd() *cobra.Command {
	tag := &cobra.Command{Use: "tag", Short: "Add or remove machine tags"}
	tag.AddCommand(&cobra.Command{
		Use:   "add CLUSTER ID TAG",
		Short: "Add a tag",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.api.AddTag(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return c.print(res)
		},
	}, &cobra.Command{
		Use:   "rm CLUSTER ID TAG",
		Short: "Remove a tag",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.api.RemoveTag(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return c.print(res)
		},
	})
	return tag
}

func (c *cli) actionCmd() *cobra.Command {
	var tags []string
	cmd := &cobra.Command{
		Use:   "action CLUSTER ACTION",
		Short: "Run start, reboot or stop on every machine carrying all given tags",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.api.Dispatch(cmd.Context(), args[0], args[1], tags)
			if err != nil {
				return err
			}
			return c.print(res)
		},
	}
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "required tag (repeatable)")
	return cmd
}

// emit publishes a best-effort CLI event when a NATS URL is configured.
func (c *cli) emit(ev map[string]any) {
	if c.natsURL == "" {
		return
	}
	nc, err := nats.Connect(c.natsURL, nats.Name("fleetctl"), nats.Timeout(2*time.Second))
	if err != nil {
		c.log.Debug("nats connect", zap.Error(err))
		return
	}
	defer nc.Drain()
	ev["time"] = time.Now().Unix()
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := nc.Publish("cli.events", b); err != nil {
		c.log.Debug("nats publish", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = nc.FlushWithContext(ctx)
}
