package server

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchStartMixedStates(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	a := create(t, s, "c1", "a", "web")
	b := create(t, s, "c1", "b", "web")
	require.NoError(t, s.StartMachine(ctx, "c1", a.ID))

	results, err := s.Dispatch(ctx, "c1", "start", models.NewTagSet("web"))
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, models.ActionResult{MachineID: a.ID, Status: models.StatusError, Message: models.MsgAlreadyStarted}, results[0])
	assert.Equal(t, models.ActionResult{MachineID: b.ID, Status: models.StatusSuccess, Message: models.MsgStarted}, results[1])
}

func TestDispatchInvalidAction(t *testing.T) {
	eff := newRecordingEffector()
	s, _ := newTestServer(t, WithEffector(eff))
	a := create(t, s, "c1", "a")
	b := create(t, s, "c1", "b")

	results, err := s.Dispatch(context.Background(), "c1", "bogus", models.TagSet{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for i, id := range []string{a.ID, b.ID} {
		assert.Equal(t, id, results[i].MachineID)
		assert.Equal(t, models.StatusError, results[i].Status)
		assert.Equal(t, "Invalid action.", results[i].Message)
	}
	assert.Zero(t, eff.count("bogus"))
}

func TestDispatchSkipsMachineDeletedMidRun(t *testing.T) {
	ctx := context.Background()
	var (
		s      *Server
		victim models.Machine
	)
	eff := EffectorFunc(func(ctx context.Context, _ models.Action, m models.Machine) error {
		if m.ID != victim.ID {
			return s.DeleteMachine(ctx, "c1", victim.ID)
		}
		return nil
	})
	s, store := newTestServer(t, WithEffector(eff), WithConcurrency(1))
	first := create(t, s, "c1", "first")
	victim = create(t, s, "c1", "victim")

	results, err := s.Dispatch(ctx, "c1", "start", models.TagSet{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, models.ActionResult{MachineID: first.ID, Status: models.StatusSuccess, Message: models.MsgStarted}, results[0])
	assert.Equal(t, victim.ID, results[1].MachineID)
	assert.Equal(t, models.StatusError, results[1].Status)

	state, err := store.GetState(ctx, victim.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateStopped, state)
}

func TestDispatchTagSelection(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	ab := create(t, s, "c1", "ab", "a", "b", "extra")
	create(t, s, "c1", "a-only", "a")
	create(t, s, "c2", "other-cluster", "a", "b")

	results, err := s.Dispatch(ctx, "c1", "reboot", models.NewTagSet("a", "b"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ab.ID, results[0].MachineID)
	assert.Equal(t, models.MsgRebooted, results[0].Message)

	all, err := s.Dispatch(ctx, "c1", "stop", models.TagSet{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	for _, r := range all {
		assert.Equal(t, models.StatusSuccess, r.Status)
		assert.Equal(t, models.MsgStopped, r.Message)
	}

	none, err := s.Dispatch(ctx, "empty", "start", models.TagSet{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDispatchIsolatesFailures(t *testing.T) {
	var panicked atomic.Bool
	var victim string
	eff := EffectorFunc(func(_ context.Context, action models.Action, m models.Machine) error {
		switch m.Name {
		case "fails":
			return errors.New("unreachable host")
		case "panics":
			panicked.Store(true)
			panic("driver crashed")
		}
		victim = m.ID
		return nil
	})
	s, _ := newTestServer(t, WithEffector(eff), WithConcurrency(1))
	f := create(t, s, "c1", "fails")
	p := create(t, s, "c1", "panics")
	ok := create(t, s, "c1", "ok")

	results, err := s.Dispatch(context.Background(), "c1", "stop", models.TagSet{})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, f.ID, results[0].MachineID)
	assert.Equal(t, models.StatusError, results[0].Status)
	assert.Contains(t, results[0].Message, "unreachable host")

	assert.Equal(t, p.ID, results[1].MachineID)
	assert.Equal(t, models.StatusError, results[1].Status)
	assert.True(t, panicked.Load())

	assert.Equal(t, ok.ID, results[2].MachineID)
	assert.Equal(t, models.StatusSuccess, results[2].Status)
	assert.Equal(t, ok.ID, victim)
}

func TestDispatchKeepsCandidateOrderUnderConcurrency(t *testing.T) {
	// later machines finish first
	eff := EffectorFunc(func(_ context.Context, _ models.Action, m models.Machine) error {
		if m.Name == "slow" {
			time.Sleep(50 * time.Millisecond)
		}
		return nil
	})
	s, _ := newTestServer(t, WithEffector(eff), WithConcurrency(4))
	var ids []string
	ids = append(ids, create(t, s, "c1", "slow").ID)
	for range 5 {
		ids = append(ids, create(t, s, "c1", "fast").ID)
	}

	results, err := s.Dispatch(context.Background(), "c1", "reboot", models.TagSet{})
	require.NoError(t, err)
	require.Len(t, results, len(ids))

	listed, err := s.ListMachines(context.Background(), "c1")
	require.NoError(t, err)
	for i := range listed {
		assert.Equal(t, listed[i].ID, results[i].MachineID)
	}
}

func TestDispatchMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	s, _ := newTestServer(t, WithMetrics(metrics))
	create(t, s, "c1", "a")

	_, err := s.Dispatch(context.Background(), "c1", "start", models.TagSet{})
	require.NoError(t, err)
	_, err = s.Dispatch(context.Background(), "c1", "start", models.TagSet{})
	require.NoError(t, err)
	_, err = s.Dispatch(context.Background(), "c1", "nope", models.TagSet{})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.dispatchResults.WithLabelValues("start", "Success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.dispatchResults.WithLabelValues("start", "Error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.dispatchResults.WithLabelValues("invalid", "Error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.transitions.WithLabelValues("start", "conflict")))
}
