// Package service is the caller-facing surface of the engine. It validates
// submissions before anything touches the object graph and delegates the
// actual work to the scheduler.
package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bitsurgeon/firmlens/api/schemas"
	"github.com/bitsurgeon/firmlens/internal/aggregator"
	"github.com/bitsurgeon/firmlens/internal/registry"
	"github.com/bitsurgeon/firmlens/internal/scheduler"
)

// Service implements schemas.Submitter over a running scheduler.
type Service struct {
	logger *zap.Logger
	reg    *registry.Registry
	sched  *scheduler.Scheduler
	agg    *aggregator.Aggregator
}

// New creates the submission service.
func New(logger *zap.Logger, reg *registry.Registry, sched *scheduler.Scheduler, agg *aggregator.Aggregator) *Service {
	return &Service{
		logger: logger.Named("service"),
		reg:    reg,
		sched:  sched,
		agg:    agg,
	}
}

// Submit validates a root submission and admits it. An empty plugin set
// means "everything registered". The returned UID is stable across
// resubmissions of the same bytes.
func (s *Service) Submit(ctx context.Context, binary []byte, requestedPlugins []string, meta *schemas.RootMetadata) (schemas.UID, error) {
	if len(binary) == 0 {
		return "", schemas.NewValidationError("submitted binary is empty")
	}
	if len(requestedPlugins) == 0 {
		requestedPlugins = s.reg.Names()
	}
	for _, name := range requestedPlugins {
		if !s.reg.Has(name) {
			return "", schemas.NewValidationError("requested plugin %q is not registered", name)
		}
	}

	requestID := uuid.NewString()
	log := s.logger.With(zap.String("request_id", requestID))
	log.Info("Submission accepted",
		zap.Int("size", len(binary)),
		zap.Strings("plugins", requestedPlugins))

	uid, err := s.sched.AddRoot(ctx, binary, requestedPlugins, meta)
	if err != nil {
		log.Warn("Submission failed", zap.Error(err))
		return "", err
	}
	log.Info("Root admitted", zap.String("uid", uid.Short()))
	return uid, nil
}

// Submission is one input to SubmitAll.
type Submission struct {
	Binary  []byte
	Plugins []string
	Meta    *schemas.RootMetadata
}

// SubmitAll admits several roots concurrently and returns their UIDs in
// input order. The first validation or admission error aborts the batch.
func (s *Service) SubmitAll(ctx context.Context, inputs []Submission) ([]schemas.UID, error) {
	uids := make([]schemas.UID, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, in := range inputs {
		g.Go(func() error {
			uid, err := s.Submit(gctx, in.Binary, in.Plugins, in.Meta)
			if err != nil {
				return err
			}
			uids[i] = uid
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return uids, nil
}

// RequestUpdate forces re-execution of the named plugins and their
// transitive dependents on a known object.
func (s *Service) RequestUpdate(ctx context.Context, uid schemas.UID, pluginNamesToForce []string) error {
	if !uid.Valid() {
		return schemas.NewValidationError("malformed uid %q", string(uid))
	}
	if len(pluginNamesToForce) == 0 {
		return schemas.NewValidationError("forced plugin set is empty")
	}
	s.logger.Info("Update requested",
		zap.String("uid", uid.Short()),
		zap.Strings("forced", pluginNamesToForce))
	return s.sched.RequestUpdate(ctx, uid, pluginNamesToForce)
}

// Status returns the per-plugin state map for an object.
func (s *Service) Status(ctx context.Context, uid schemas.UID) (map[string]schemas.WorkStatus, error) {
	if !uid.Valid() {
		return nil, schemas.NewValidationError("malformed uid %q", string(uid))
	}
	return s.sched.Status(ctx, uid)
}

// Report rolls the analyzed tree under uid up into one aggregate view.
func (s *Service) Report(ctx context.Context, uid schemas.UID) (*aggregator.RollUp, error) {
	if !uid.Valid() {
		return nil, schemas.NewValidationError("malformed uid %q", string(uid))
	}
	return s.agg.RollUp(ctx, uid)
}

// WaitIdle blocks until the current run has no outstanding work.
func (s *Service) WaitIdle(ctx context.Context) error {
	return s.sched.WaitIdle(ctx)
}

var _ schemas.Submitter = (*Service)(nil)
