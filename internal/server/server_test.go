package server

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
	"github.com/devghori1264/aerophoenix/fleetd/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingEffector counts calls and can be told to fail for given machines.
type recordingEffector struct {
	mu    sync.Mutex
	calls map[models.Action][]string
	fail  map[string]error
}

func newRecordingEffector() *recordingEffector {
	return &recordingEffector{calls: map[models.Action][]string{}, fail: map[string]error{}}
}

func (e *recordingEffector) Execute(_ context.Context, action models.Action, m models.Machine) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[action] = append(e.calls[action], m.ID)
	return e.fail[m.ID]
}

func (e *recordingEffector) count(action models.Action) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls[action])
}

type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *capturePublisher) Publish(_ context.Context, subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func newTestServer(t *testing.T, opts ...Option) (*Server, storage.Store) {
	t.Helper()
	store, err := storage.NewBadgerStore("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, opts...), store
}

func create(t *testing.T, s *Server, clusterID, name string, tags ...string) models.Machine {
	t.Helper()
	m, err := s.CreateMachine(context.Background(), clusterID, models.MachineInput{
		Name:         name,
		IPAddress:    "10.0.0.1",
		InstanceType: "small",
		Tags:         models.NewTagSet(tags...),
	})
	require.NoError(t, err)
	return m
}

func TestCreateWithoutTags(t *testing.T) {
	s, _ := newTestServer(t)
	m := create(t, s, "c1", "web")

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "c1", m.ClusterID)
	assert.Equal(t, 0, m.Tags.Len())
	assert.True(t, m.Tags.ContainsAll(models.TagSet{}))

	got, err := s.GetMachine(context.Background(), "c1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateStopped, got.State)
}

func TestGetIsClusterScoped(t *testing.T) {
	s, _ := newTestServer(t)
	m := create(t, s, "B", "web")

	_, err := s.GetMachine(context.Background(), "A", m.ID)
	require.ErrorIs(t, err, models.ErrNotFound)
	require.ErrorIs(t, s.StartMachine(context.Background(), "A", m.ID), models.ErrNotFound)
}

func TestUpdateMachine(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	m := create(t, s, "c1", "web")

	ip := "10.0.0.9"
	got, err := s.UpdateMachine(ctx, "c1", m.ID, models.MachinePatch{IPAddress: &ip})
	require.NoError(t, err)
	assert.Equal(t, "web", got.Name)
	assert.Equal(t, ip, got.IPAddress)
	assert.Equal(t, "small", got.InstanceType)

	same, err := s.UpdateMachine(ctx, "c1", m.ID, models.MachinePatch{})
	require.NoError(t, err)
	assert.Equal(t, got.Version, same.Version)

	_, err = s.UpdateMachine(ctx, "c2", m.ID, models.MachinePatch{IPAddress: &ip})
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestDeleteMachine(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	m := create(t, s, "c1", "web")

	require.NoError(t, s.DeleteMachine(ctx, "c1", m.ID))
	require.ErrorIs(t, s.DeleteMachine(ctx, "c1", m.ID), models.ErrNotFound)
}

func TestOpLocksAreNotRetained(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	m := create(t, s, "c1", "web")

	_, err := s.AddTag(ctx, "c1", m.ID, "blue")
	require.NoError(t, err)
	_, ok := s.opMu.Load(m.ID)
	require.True(t, ok)

	require.NoError(t, s.DeleteMachine(ctx, "c1", m.ID))
	_, ok = s.opMu.Load(m.ID)
	assert.False(t, ok, "lock entry kept after delete")

	_, err = s.AddTag(ctx, "c1", "missing", "blue")
	require.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.RemoveTag(ctx, "c1", "missing", "blue")
	require.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.UpdateMachine(ctx, "c1", "missing", models.MachinePatch{})
	require.ErrorIs(t, err, models.ErrNotFound)
	require.ErrorIs(t, s.DeleteMachine(ctx, "c1", "missing"), models.ErrNotFound)
	_, ok = s.opMu.Load("missing")
	assert.False(t, ok, "lock entry created for unknown machine")
}

func TestTags(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	m := create(t, s, "c1", "web")

	got, err := s.AddTag(ctx, "c1", m.ID, "x")
	require.NoError(t, err)
	got, err = s.AddTag(ctx, "c1", m.ID, "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, got.Tags.Slice())

	got, err = s.RemoveTag(ctx, "c1", m.ID, "y")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, got.Tags.Slice())

	got, err = s.RemoveTag(ctx, "c1", m.ID, "x")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Tags.Len())

	_, err = s.AddTag(ctx, "other", m.ID, "x")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestStartTwiceConflicts(t *testing.T) {
	eff := newRecordingEffector()
	s, _ := newTestServer(t, WithEffector(eff))
	ctx := context.Background()
	m := create(t, s, "c1", "web")

	require.NoError(t, s.StartMachine(ctx, "c1", m.ID))
	err := s.StartMachine(ctx, "c1", m.ID)
	require.ErrorIs(t, err, models.ErrConflict)

	got, err := s.GetMachine(ctx, "c1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateStarted, got.State)
	assert.Equal(t, 1, eff.count(models.ActionStart))
}

func TestStartEffectorFailureKeepsState(t *testing.T) {
	eff := newRecordingEffector()
	s, _ := newTestServer(t, WithEffector(eff))
	ctx := context.Background()
	m := create(t, s, "c1", "web")
	eff.fail[m.ID] = errors.New("boom")

	err := s.StartMachine(ctx, "c1", m.ID)
	require.ErrorIs(t, err, models.ErrEffector)
	assert.Contains(t, err.Error(), "boom")

	got, err := s.GetMachine(ctx, "c1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateStarted, got.State)
}

func TestStopAndRebootHaveNoGuard(t *testing.T) {
	eff := newRecordingEffector()
	s, _ := newTestServer(t, WithEffector(eff))
	ctx := context.Background()
	m := create(t, s, "c1", "web")

	require.NoError(t, s.StopMachine(ctx, "c1", m.ID))
	require.NoError(t, s.StopMachine(ctx, "c1", m.ID))
	require.NoError(t, s.RebootMachine(ctx, "c1", m.ID))

	got, err := s.GetMachine(ctx, "c1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateStarted, got.State)

	require.NoError(t, s.StopMachine(ctx, "c1", m.ID))
	require.NoError(t, s.StartMachine(ctx, "c1", m.ID))
	assert.Equal(t, 3, eff.count(models.ActionStop))
	assert.Equal(t, 1, eff.count(models.ActionReboot))
}

func TestConcurrentStartOneWins(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	m := create(t, s, "c1", "web")

	const n = 10
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.StartMachine(ctx, "c1", m.ID)
		}()
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, models.ErrConflict)
	}
	assert.Equal(t, 1, ok)
}

func TestEventsPublished(t *testing.T) {
	pub := &capturePublisher{}
	s, _ := newTestServer(t, WithEvents(pub, "fleet"))
	ctx := context.Background()
	m := create(t, s, "c1", "web")
	require.NoError(t, s.StartMachine(ctx, "c1", m.ID))

	assert.Equal(t, []string{"fleet.events", "fleet.events"}, pub.subjects)
}
