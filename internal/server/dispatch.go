package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dispatch applies action to every machine in the cluster whose tags include
// all of required. Each machine is handled independently: failures become
// Error results and never abort the batch. Results follow candidate order.
//
// The returned error is non-nil only when candidates cannot be resolved.
func (s *Server) Dispatch(ctx context.Context, clusterID, action string, required models.TagSet) ([]models.ActionResult, error) {
	began := time.Now()
	ctx, span := s.tracer.Start(ctx, "machines.dispatch")
	defer span.End()

	machines, err := s.store.ListMachines(ctx, clusterID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("resolve candidates: %w", err)
	}
	candidates := make([]models.Machine, 0, len(machines))
	for _, m := range machines {
		if m.Tags.ContainsAll(required) {
			candidates = append(candidates, m)
		}
	}
	span.SetAttributes(
		attribute.String("cluster.id", clusterID),
		attribute.String("action", action),
		attribute.StringSlice("tags", required.Slice()),
		attribute.Int("candidates", len(candidates)),
	)

	results := make([]models.ActionResult, len(candidates))
	act, ok := models.ParseAction(action)
	label := action
	if !ok {
		label = "invalid"
		for i, m := range candidates {
			results[i] = errorResult(m.ID, models.MsgInvalidAction)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(s.concurrency)
		for i, m := range candidates {
			g.Go(func() error {
				results[i] = s.apply(ctx, act, m)
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, r := range results {
		s.metrics.observeResult(label, r.Status)
	}
	s.metrics.observeDispatch(time.Since(began).Seconds())
	s.log.Info("dispatch complete",
		zap.String("cluster_id", clusterID),
		zap.String("action", action),
		zap.Strings("tags", required.Slice()),
		zap.Int("machines", len(results)))
	s.publish(ctx, "machines.action", clusterID, "", results)
	return results, nil
}

func (s *Server) apply(ctx context.Context, action models.Action, m models.Machine) models.ActionResult {
	err := s.transition(ctx, m, action)
	switch {
	case err == nil:
		return models.ActionResult{MachineID: m.ID, Status: models.StatusSuccess, Message: models.SuccessMessage(action)}
	case errors.Is(err, models.ErrConflict) && action == models.ActionStart:
		return errorResult(m.ID, models.MsgAlreadyStarted)
	default:
		return errorResult(m.ID, err.Error())
	}
}

func errorResult(machineID, msg string) models.ActionResult {
	return models.ActionResult{MachineID: machineID, Status: models.StatusError, Message: msg}
}
