package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPublisher struct {
	subject string
	payload []byte
	err     error
}

func (p *stubPublisher) Publish(_ context.Context, subject string, payload []byte) error {
	p.subject, p.payload = subject, payload
	return p.err
}

func TestNATSEffectorPublishesCommand(t *testing.T) {
	pub := &stubPublisher{}
	e := NATSEffector{Publisher: pub, Prefix: "fleet"}
	m := models.Machine{ID: "m1", ClusterID: "c1", IPAddress: "10.0.0.1", InstanceType: "small"}

	require.NoError(t, e.Execute(context.Background(), models.ActionReboot, m))
	assert.Equal(t, "fleet.commands.reboot", pub.subject)

	var cmd Command
	require.NoError(t, json.Unmarshal(pub.payload, &cmd))
	assert.Equal(t, models.ActionReboot, cmd.Action)
	assert.Equal(t, "m1", cmd.MachineID)
	assert.Equal(t, "c1", cmd.ClusterID)
	assert.Equal(t, "small", cmd.Machine().InstanceType)

	pub.err = errors.New("nats not connected")
	assert.ErrorContains(t, e.Execute(context.Background(), models.ActionStop, m), "nats not connected")
}

func TestSimEffectorHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := SimEffector{Delay: time.Second}.Execute(ctx, models.ActionStart, models.Machine{ID: "m1"})
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, SimEffector{}.Execute(context.Background(), models.ActionStart, models.Machine{ID: "m1"}))
}
