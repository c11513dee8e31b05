package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
	"github.com/devghori1264/aerophoenix/fleetd/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultConcurrency = 8

// Server implements the machine service and orchestrates lifecycle transitions.
type Server struct {
	store    storage.Store
	effector Effector
	events   Publisher
	subject  string
	log      *zap.Logger
	tracer   trace.Tracer
	metrics  *Metrics

	// bulk dispatch worker limit
	concurrency int
	// operations mutex per machine id
	opMu sync.Map
}

// Option configures a Server.
type Option func(*Server)

func WithEffector(e Effector) Option { return func(s *Server) { s.effector = e } }

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.log = l } }

func WithMetrics(m *Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithEvents publishes machine events to "<prefix>.events".
func WithEvents(p Publisher, prefix string) Option {
	return func(s *Server) {
		s.events = p
		s.subject = prefix + ".events"
	}
}

// WithConcurrency bounds the number of machines a dispatch works on at once.
func WithConcurrency(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// New creates a new server instance.
func New(store storage.Store, opts ...Option) *Server {
	s := &Server{
		store:       store,
		effector:    SimEffector{},
		log:         zap.NewNop(),
		tracer:      otel.Tracer("fleetd/server"),
		concurrency: defaultConcurrency,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping reports whether the backing store is reachable.
func (s *Server) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Server) ListMachines(ctx context.Context, clusterID string) ([]models.Machine, error) {
	return s.store.ListMachines(ctx, clusterID)
}

// CreateMachine registers a machine in a cluster. Input is expected to be
// validated by the caller.
func (s *Server) CreateMachine(ctx context.Context, clusterID string, in models.MachineInput) (models.Machine, error) {
	if clusterID == "" {
		return models.Machine{}, fmt.Errorf("%w: cluster id required", models.ErrValidation)
	}
	now := time.Now().UTC()
	m := models.Machine{
		ID:           uuid.NewString(),
		ClusterID:    clusterID,
		Name:         in.Name,
		IPAddress:    in.IPAddress,
		InstanceType: in.InstanceType,
		Tags:         models.NewTagSet(in.Tags.Slice()...),
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateMachine(ctx, m); err != nil {
		return models.Machine{}, fmt.Errorf("save: %w", err)
	}
	s.log.Info("machine created", zap.String("cluster_id", clusterID), zap.String("machine_id", m.ID))
	s.publish(ctx, "machine.created", m.ClusterID, m.ID, nil)
	return m, nil
}

// GetMachine fetches a machine and its lifecycle state.
func (s *Server) GetMachine(ctx context.Context, clusterID, machineID string) (models.MachineStatus, error) {
	m, err := s.store.GetMachine(ctx, clusterID, machineID)
	if err != nil {
		return models.MachineStatus{}, err
	}
	state, err := s.store.GetState(ctx, machineID)
	if err != nil {
		return models.MachineStatus{}, err
	}
	return models.MachineStatus{Machine: m, State: state}, nil
}

// UpdateMachine applies a partial update. Fields the patch leaves unset keep their value.
func (s *Server) UpdateMachine(ctx context.Context, clusterID, machineID string, patch models.MachinePatch) (models.Machine, error) {
	mtx, err := s.lockMachine(ctx, clusterID, machineID)
	if err != nil {
		return models.Machine{}, err
	}
	defer mtx.Unlock()

	return s.store.UpdateMachine(ctx, clusterID, machineID, func(m *models.Machine) error {
		if patch.Empty() {
			return storage.ErrNoChange
		}
		patch.Apply(m)
		return nil
	})
}

func (s *Server) DeleteMachine(ctx context.Context, clusterID, machineID string) error {
	mtx, err := s.lockMachine(ctx, clusterID, machineID)
	if err != nil {
		return err
	}
	defer mtx.Unlock()

	if err := s.store.DeleteMachine(ctx, clusterID, machineID); err != nil {
		return err
	}
	s.forgetOpLock(machineID)
	s.log.Info("machine deleted", zap.String("cluster_id", clusterID), zap.String("machine_id", machineID))
	s.publish(ctx, "machine.deleted", clusterID, machineID, nil)
	return nil
}

// AddTag adds tag to the machine. Adding a present tag leaves the record untouched.
func (s *Server) AddTag(ctx context.Context, clusterID, machineID, tag string) (models.Machine, error) {
	return s.mutateTags(ctx, clusterID, machineID, func(t *models.TagSet) bool { return t.Add(tag) })
}

// RemoveTag removes tag from the machine. Removing an absent tag is not an error.
func (s *Server) RemoveTag(ctx context.Context, clusterID, machineID, tag string) (models.Machine, error) {
	return s.mutateTags(ctx, clusterID, machineID, func(t *models.TagSet) bool { return t.Remove(tag) })
}

func (s *Server) mutateTags(ctx context.Context, clusterID, machineID string, fn func(*models.TagSet) bool) (models.Machine, error) {
	mtx, err := s.lockMachine(ctx, clusterID, machineID)
	if err != nil {
		return models.Machine{}, err
	}
	defer mtx.Unlock()

	return s.store.UpdateMachine(ctx, clusterID, machineID, func(m *models.Machine) error {
		if !fn(&m.Tags) {
			return storage.ErrNoChange
		}
		return nil
	})
}

type event struct {
	Event     string                `json:"event"`
	ClusterID string                `json:"clusterId"`
	MachineID string                `json:"machineId,omitempty"`
	Results   []models.ActionResult `json:"results,omitempty"`
	Time      int64                 `json:"time"`
}

// publish is best effort; failures are logged and dropped.
func (s *Server) publish(ctx context.Context, name, clusterID, machineID string, results []models.ActionResult) {
	if s.events == nil {
		return
	}
	payload, err := json.Marshal(event{
		Event:     name,
		ClusterID: clusterID,
		MachineID: machineID,
		Results:   results,
		Time:      time.Now().Unix(),
	})
	if err != nil {
		s.log.Warn("marshal event", zap.Error(err))
		return
	}
	if err := s.events.Publish(ctx, s.subject, payload); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("publish failed", zap.String("event", name), zap.Error(err))
	}
}

// acquireOpLock ensures only one op per machine at a time.
func (s *Server) acquireOpLock(id string) *sync.Mutex {
	v, _ := s.opMu.LoadOrStore(id, &sync.Mutex{})
	mtx := v.(*sync.Mutex)
	mtx.Lock()
	return mtx
}

// lockMachine takes the op lock of an existing machine. Unknown IDs fail
// before a lock entry is created for them.
func (s *Server) lockMachine(ctx context.Context, clusterID, machineID string) (*sync.Mutex, error) {
	if _, err := s.store.GetMachine(ctx, clusterID, machineID); err != nil {
		return nil, err
	}
	return s.acquireOpLock(machineID), nil
}

// forgetOpLock drops the lock entry of a deleted machine. Must be called with
// the lock held; waiters already blocked on it re-check existence once they
// get it.
func (s *Server) forgetOpLock(id string) {
	s.opMu.Delete(id)
}
