package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bitsurgeon/firmlens/api/schemas"
	"github.com/bitsurgeon/firmlens/internal/unpacker"
)

// runWorker pulls items off the queue until ctx is cancelled.
func (s *Scheduler) runWorker(ctx context.Context, id int) {
	defer s.wg.Done()
	log := s.logger.With(zap.Int("worker", id))
	log.Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("Worker shutting down", zap.Error(ctx.Err()))
			return
		case item := <-s.queue:
			s.execute(ctx, log, item)
		}
	}
}

// execute runs one (object, plugin) cell to a terminal state.
func (s *Scheduler) execute(ctx context.Context, log *zap.Logger, item workItem) {
	s.mu.Lock()
	st := s.objects[item.uid]
	if st == nil || st.status[item.plugin] != schemas.StatusReady {
		// Overtaken by a skip cascade between dispatch and pickup.
		s.mu.Unlock()
		return
	}
	st.status[item.plugin] = schemas.StatusRunning
	obj := st.obj
	deps := make(map[string]*schemas.AnalysisResult)
	for _, dep := range s.reg.DependenciesOf(item.plugin) {
		deps[dep] = st.results[dep]
	}
	budget := unpacker.Budget{
		Depth:          st.depth,
		BytesExtracted: st.chainBytes,
		Children:       st.chainChildren,
	}
	s.mu.Unlock()

	plugin, ok := s.reg.Get(item.plugin)
	if !ok {
		// Cannot happen once the registry is built; keep the cell from
		// wedging the run if it ever does.
		s.failCell(ctx, st, item.plugin, fmt.Sprintf("plugin %q vanished from registry", item.plugin))
		return
	}

	// In-flight invocations survive run cancellation; only the per-plugin
	// timeout interrupts them.
	pctx := unpacker.WithBudget(context.WithoutCancel(ctx), budget)
	pctx, cancel := context.WithTimeout(pctx, s.cfg.PluginTimeout)
	defer cancel()

	start := time.Now()
	res, err := plugin.Process(pctx, obj, deps)
	elapsed := time.Since(start)

	if err == nil && res == nil {
		err = fmt.Errorf("plugin %q returned neither result nor error", item.plugin)
	}
	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = fmt.Sprintf("timed out after %s", s.cfg.PluginTimeout)
		}
		log.Warn("Plugin execution failed",
			zap.String("uid", item.uid.Short()),
			zap.String("plugin", item.plugin),
			zap.Duration("elapsed", elapsed),
			zap.String("reason", reason))
		s.failCell(ctx, st, item.plugin, reason)
		return
	}

	if res.Plugin == "" {
		res.Plugin = plugin.Name()
	}
	if res.PluginVersion == "" {
		res.PluginVersion = plugin.Version()
	}
	if res.AnalyzedAt.IsZero() {
		res.AnalyzedAt = time.Now().UTC()
	}

	storeCtx := context.WithoutCancel(ctx)
	if err := s.retryStore(storeCtx, "store result", func(c context.Context) error {
		return s.store.StoreResult(c, item.uid, item.plugin, res)
	}); err != nil {
		log.Error("Persisting result failed after retries",
			zap.String("uid", item.uid.Short()),
			zap.String("plugin", item.plugin),
			zap.Error(err))
		s.failSubtree(st, "persistence failure: "+err.Error())
		return
	}

	for _, marker := range res.UnpackMarkers {
		if err := s.retryStore(storeCtx, "add unpack marker", func(c context.Context) error {
			return s.store.AddUnpackMarker(c, item.uid, marker)
		}); err != nil {
			log.Warn("Recording unpack marker failed", zap.String("uid", item.uid.Short()), zap.Error(err))
		}
	}

	// Children must be admitted before this cell goes terminal, so the run
	// cannot look idle while a subtree is still being folded in.
	if len(res.Extracted) > 0 && !s.cancelled.Load() {
		s.foldChildren(ctx, st, res.Extracted)
	}

	log.Debug("Plugin execution complete",
		zap.String("uid", item.uid.Short()),
		zap.String("plugin", item.plugin),
		zap.Duration("elapsed", elapsed))
	s.markDone(st, item.plugin, res)
}

// markDone finalizes a successful cell and promotes its dependents.
func (s *Scheduler) markDone(st *objectState, plugin string, res *schemas.AnalysisResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.status[plugin] = schemas.StatusDone
	st.results[plugin] = res
	s.completeCell(st)
	s.promoteReady(st)
}

// failCell marks a cell Failed, persists the failure, and skips every
// transitive dependent within the object.
func (s *Scheduler) failCell(ctx context.Context, st *objectState, plugin, reason string) {
	p, _ := s.reg.Get(plugin)
	failRes := &schemas.AnalysisResult{
		Plugin:     plugin,
		Error:      reason,
		AnalyzedAt: time.Now().UTC(),
	}
	if p != nil {
		failRes.PluginVersion = p.Version()
	}

	s.mu.Lock()
	st.status[plugin] = schemas.StatusFailed
	st.results[plugin] = failRes
	s.completeCell(st)
	skipped := s.cascadeSkip(st, plugin, "dependency failed: "+plugin)
	skipResults := make([]*schemas.AnalysisResult, len(skipped))
	for i, name := range skipped {
		skipResults[i] = st.results[name]
	}
	s.mu.Unlock()

	storeCtx := context.WithoutCancel(ctx)
	s.persistResult(storeCtx, st.obj.UID, plugin, failRes)
	for i, name := range skipped {
		s.persistResult(storeCtx, st.obj.UID, name, skipResults[i])
	}
}

// cascadeSkip moves every non-terminal transitive dependent of plugin to
// Skipped and returns their names. Caller holds mu.
func (s *Scheduler) cascadeSkip(st *objectState, plugin, reason string) []string {
	var skipped []string
	for _, dep := range s.reg.DependentsOf(plugin) {
		status, planned := st.status[dep]
		if !planned || status.Terminal() || status == schemas.StatusRunning {
			continue
		}
		st.status[dep] = schemas.StatusSkipped
		st.results[dep] = &schemas.AnalysisResult{
			Plugin:     dep,
			SkipReason: reason,
			AnalyzedAt: time.Now().UTC(),
		}
		s.completeCell(st)
		skipped = append(skipped, dep)
	}
	return skipped
}

// failSubtree terminates every non-terminal cell of an object after a
// persistent store failure. Nothing is persisted; the store is the thing
// that is broken.
func (s *Scheduler) failSubtree(st *objectState, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range st.plan {
		if st.status[name].Terminal() {
			continue
		}
		st.status[name] = schemas.StatusFailed
		st.results[name] = &schemas.AnalysisResult{
			Plugin:     name,
			Error:      reason,
			AnalyzedAt: time.Now().UTC(),
		}
		s.completeCell(st)
	}
}

// persistResult stores a result with retries, logging on persistent failure.
func (s *Scheduler) persistResult(ctx context.Context, uid schemas.UID, plugin string, res *schemas.AnalysisResult) {
	err := s.retryStore(ctx, "store result", func(c context.Context) error {
		return s.store.StoreResult(c, uid, plugin, res)
	})
	if err != nil {
		s.logger.Warn("Persisting terminal state failed",
			zap.String("uid", uid.Short()),
			zap.String("plugin", plugin),
			zap.Error(err))
	}
}

// retryStore runs a store operation with bounded retries and linear backoff.
func (s *Scheduler) retryStore(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= s.cfg.StoreRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.cfg.StoreRetryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		s.logger.Warn("Store operation failed",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return fmt.Errorf("%s: %w", op, err)
}
