package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
	"go.uber.org/zap"
)

// Effector carries out the side effect of an action on a real or simulated machine.
type Effector interface {
	Execute(ctx context.Context, action models.Action, m models.Machine) error
}

// EffectorFunc adapts a function to Effector.
type EffectorFunc func(ctx context.Context, action models.Action, m models.Machine) error

func (f EffectorFunc) Execute(ctx context.Context, action models.Action, m models.Machine) error {
	return f(ctx, action, m)
}

// Publisher sends a payload to a subject. Implemented by the NATS client.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// SimEffector simulates provisioning commands by sleeping for Delay.
type SimEffector struct {
	Delay time.Duration
	Log   *zap.Logger
}

func (e SimEffector) Execute(ctx context.Context, action models.Action, m models.Machine) error {
	if e.Delay > 0 {
		t := time.NewTimer(e.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.Log != nil {
		e.Log.Debug("simulated action",
			zap.String("action", string(action)),
			zap.String("cluster_id", m.ClusterID),
			zap.String("machine_id", m.ID))
	}
	return nil
}

// Command is the message a NATSEffector publishes for agents to execute.
type Command struct {
	Action       models.Action `json:"action"`
	MachineID    string        `json:"machineId"`
	ClusterID    string        `json:"clusterId"`
	IPAddress    string        `json:"ipAddress"`
	InstanceType string        `json:"instanceType"`
	Time         int64         `json:"time"`
}

// NATSEffector hands actions to machine agents over a message bus.
// Subjects look like "<prefix>.commands.<action>".
type NATSEffector struct {
	Publisher Publisher
	Prefix    string
}

func (e NATSEffector) Execute(ctx context.Context, action models.Action, m models.Machine) error {
	payload, err := json.Marshal(Command{
		Action:       action,
		MachineID:    m.ID,
		ClusterID:    m.ClusterID,
		IPAddress:    m.IPAddress,
		InstanceType: m.InstanceType,
		Time:         time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("%s.commands.%s", e.Prefix, action)
	if err := e.Publisher.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Machine rebuilds the machine fields carried by the command.
func (c Command) Machine() models.Machine {
	return models.Machine{
		ID:           c.MachineID,
		ClusterID:    c.ClusterID,
		IPAddress:    c.IPAddress,
		InstanceType: c.InstanceType,
	}
}
