package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// StartMachine moves a machine from Stopped to Started and runs the start effector.
// A machine that is already started yields models.ErrConflict.
func (s *Server) StartMachine(ctx context.Context, clusterID, machineID string) error {
	return s.act(ctx, clusterID, machineID, models.ActionStart)
}

// StopMachine runs the stop effector and records Stopped. It is allowed from any state.
func (s *Server) StopMachine(ctx context.Context, clusterID, machineID string) error {
	return s.act(ctx, clusterID, machineID, models.ActionStop)
}

// RebootMachine runs the reboot effector and records Started. It is allowed from any state.
func (s *Server) RebootMachine(ctx context.Context, clusterID, machineID string) error {
	return s.act(ctx, clusterID, machineID, models.ActionReboot)
}

func (s *Server) act(ctx context.Context, clusterID, machineID string, action models.Action) error {
	m, err := s.store.GetMachine(ctx, clusterID, machineID)
	if err != nil {
		return err
	}
	if err := s.transition(ctx, m, action); err != nil {
		return err
	}
	s.publish(ctx, "machine."+string(action), clusterID, machineID, nil)
	return nil
}

// transition applies action to m under the machine's op lock.
//
// start records Started before running the effector and keeps it when the
// effector fails. stop and reboot run the effector first and record the
// resulting state only on success.
func (s *Server) transition(ctx context.Context, m models.Machine, action models.Action) (err error) {
	ctx, span := s.tracer.Start(ctx, "machine."+string(action))
	span.SetAttributes(
		attribute.String("cluster.id", m.ClusterID),
		attribute.String("machine.id", m.ID),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.metrics.observeTransition(action, err)
	}()

	defer s.acquireOpLock(m.ID).Unlock()

	// m may have been deleted while waiting for the lock.
	m, err = s.store.GetMachine(ctx, m.ClusterID, m.ID)
	if err != nil {
		return err
	}

	switch action {
	case models.ActionStart:
		if err := s.store.CompareAndSwapState(ctx, m.ID, models.StateStopped, models.StateStarted); err != nil {
			if errors.Is(err, models.ErrConflict) {
				return fmt.Errorf("machine %s already started: %w", m.ID, models.ErrConflict)
			}
			return err
		}
		return s.execute(ctx, action, m)
	case models.ActionStop, models.ActionReboot:
		if err := s.execute(ctx, action, m); err != nil {
			return err
		}
		next := models.StateStopped
		if action == models.ActionReboot {
			next = models.StateStarted
		}
		return s.store.SetState(ctx, m.ID, next)
	default:
		return fmt.Errorf("%w: unknown action %q", models.ErrValidation, action)
	}
}

// execute runs the effector, converting panics and errors into ErrEffector.
func (s *Server) execute(ctx context.Context, action models.Action, m models.Machine) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s %s: panic: %v", models.ErrEffector, action, m.ID, r)
		}
		if err != nil {
			s.log.Warn("effector failed",
				zap.String("action", string(action)),
				zap.String("cluster_id", m.ClusterID),
				zap.String("machine_id", m.ID),
				zap.Error(err))
		}
	}()
	if err := s.effector.Execute(ctx, action, m); err != nil {
		return fmt.Errorf("%w: %s %s: %w", models.ErrEffector, action, m.ID, err)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	case errors.Is(err, models.ErrEffector):
		return "effector_error"
	default:
		return "error"
	}
}
