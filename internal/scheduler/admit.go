package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/bitsurgeon/firmlens/api/schemas"
	"github.com/bitsurgeon/firmlens/internal/unpacker"
)

// AddRoot admits a freshly submitted binary as a root object. The plan is
// the dependency closure of the requested plugins; identical resubmissions
// dedupe onto the existing object.
func (s *Scheduler) AddRoot(ctx context.Context, payload []byte, requested []string, meta *schemas.RootMetadata) (schemas.UID, error) {
	plan, err := s.reg.Plan(requested)
	if err != nil {
		return "", err
	}
	if s.cancelled.Load() {
		return "", context.Canceled
	}

	uid := schemas.NewUID(payload)
	var obj *schemas.AnalysisObject
	var wasNew bool
	err = s.retryStore(ctx, "create root object", func(c context.Context) error {
		var err error
		obj, wasNew, err = s.store.GetOrCreate(c, uid, func() ([]byte, error) {
			return payload, nil
		})
		return err
	})
	if err != nil {
		return "", err
	}

	if meta != nil {
		if err := s.retryStore(ctx, "set root metadata", func(c context.Context) error {
			return s.store.SetRootMetadata(c, uid, meta)
		}); err != nil {
			return "", err
		}
	}

	s.logger.Info("Root object admitted",
		zap.String("uid", uid.Short()),
		zap.Bool("new", wasNew),
		zap.Strings("plan", plan))
	s.admitObject(ctx, obj, plan, 0, nil, 0, 0, false, nil)
	return uid, nil
}

// RequestUpdate forces re-execution of the named plugins and all their
// transitive dependents on a known object. A request racing in-flight work
// on the same cells is rejected; the caller retries once the object settles,
// so the last accepted request wins.
func (s *Scheduler) RequestUpdate(ctx context.Context, uid schemas.UID, forceNames []string) error {
	if len(forceNames) == 0 {
		return schemas.NewValidationError("forced plugin set is empty")
	}
	force := make(map[string]bool)
	for _, name := range forceNames {
		if !s.reg.Has(name) {
			return schemas.NewValidationError("plugin %q is not registered", name)
		}
		force[name] = true
		for _, dep := range s.reg.DependentsOf(name) {
			force[dep] = true
		}
	}
	if s.cancelled.Load() {
		return context.Canceled
	}

	names := make([]string, 0, len(force))
	for name := range force {
		names = append(names, name)
	}
	sort.Strings(names)
	plan, err := s.reg.Plan(names)
	if err != nil {
		return err
	}
	cached := s.loadCached(ctx, uid, plan, force)

	s.mu.Lock()
	if st, ok := s.objects[uid]; ok {
		for _, name := range st.plan {
			if force[name] && !st.status[name].Terminal() {
				s.mu.Unlock()
				return errors.New("object still has forced plugins in flight; retry once it settles")
			}
		}
		// Forced plugins the object never planned get fresh cells, so the
		// request is never a silent no-op.
		skips := s.scheduleMissing(st, plan, cached, st.obj)

		reset := make(map[string]bool)
		for _, name := range st.plan {
			if force[name] && st.status[name].Terminal() {
				reset[name] = true
			}
		}
		// A forced cell cannot run while one of its dependencies sits in a
		// failed or skipped state; pull those in as well. Cells still
		// pending from the plan extension above are already counted.
		for changed := true; changed; {
			changed = false
			for _, name := range st.plan {
				if !reset[name] {
					continue
				}
				for _, dep := range s.reg.DependenciesOf(name) {
					status := st.status[dep]
					if !reset[dep] && status.Terminal() && status != schemas.StatusDone {
						reset[dep] = true
						changed = true
					}
				}
			}
		}
		for _, name := range st.plan {
			if !reset[name] {
				continue
			}
			if p, ok := s.reg.Get(name); ok && !p.Applies(st.obj) {
				// Applicability does not change between runs; keep the skip.
				continue
			}
			st.status[name] = schemas.StatusPending
			delete(st.results, name)
			st.remaining++
			s.outstanding++
		}
		skips = append(skips, s.settleSkips(st)...)
		s.promoteReady(st)
		// Drop skip records for cells the reset pulled back in.
		kept := skips[:0]
		for _, res := range skips {
			if st.status[res.Plugin] == schemas.StatusSkipped {
				kept = append(kept, res)
			}
		}
		skips = kept
		s.mu.Unlock()
		s.persistSkips(ctx, uid, skips)
		s.logger.Info("Forced update applied in-run",
			zap.String("uid", uid.Short()),
			zap.Strings("forced", forceNames))
		return nil
	}
	s.mu.Unlock()

	obj, err := s.store.Get(ctx, uid)
	if err != nil {
		if errors.Is(err, schemas.ErrObjectNotFound) {
			return schemas.NewValidationError("unknown object %s", uid)
		}
		return err
	}

	s.logger.Info("Forced update admitted from store",
		zap.String("uid", uid.Short()),
		zap.Strings("forced", forceNames),
		zap.Strings("plan", plan))
	s.admitObject(ctx, obj, plan, 0, nil, 0, 0, false, force)
	return nil
}

// admitObject installs an object into the run with one cell per plan entry.
// Cells start Done (fresh cached result), Skipped (plugin does not apply),
// or Pending. holdsSlot marks whether the caller charged this object against
// the in-flight ceiling; the slot travels into the state and is released on
// completion. force suppresses cache reuse for the named plugins.
func (s *Scheduler) admitObject(
	ctx context.Context,
	obj *schemas.AnalysisObject,
	plan []string,
	depth int,
	chain []schemas.UID,
	chainBytes int64,
	chainChildren int,
	holdsSlot bool,
	force map[string]bool,
) {
	cached := s.loadCached(ctx, obj.UID, plan, force)

	s.mu.Lock()
	if existing, ok := s.objects[obj.UID]; ok {
		// Lost an admission race with another branch. The object is in the
		// run already; just make sure it covers this plan.
		skips := s.scheduleMissing(existing, plan, cached, obj)
		if holdsSlot {
			s.admit.Release(1)
		}
		s.mu.Unlock()
		s.persistSkips(ctx, obj.UID, skips)
		return
	}

	chainSet := make(map[schemas.UID]bool, len(chain))
	for _, a := range chain {
		chainSet[a] = true
	}
	if depth > 0 && obj.Depth == 0 {
		obj.Depth = depth
	}
	st := &objectState{
		obj:           obj,
		status:        make(map[string]schemas.WorkStatus, len(plan)),
		results:       make(map[string]*schemas.AnalysisResult, len(plan)),
		chain:         chain,
		chainSet:      chainSet,
		depth:         depth,
		chainBytes:    chainBytes,
		chainChildren: chainChildren,
		holdsSlot:     holdsSlot,
	}
	s.objects[obj.UID] = st

	skips := s.scheduleMissing(st, plan, cached, obj)

	if st.remaining == 0 && st.holdsSlot {
		st.holdsSlot = false
		s.admit.Release(1)
	}
	s.mu.Unlock()

	s.persistSkips(ctx, obj.UID, skips)
}

// scheduleMissing adds a cell for every plan entry the state does not have
// yet, settles dependency skips, and promotes ready cells. It returns the
// skip results to persist. Caller holds mu.
func (s *Scheduler) scheduleMissing(st *objectState, plan []string, cached map[string]*schemas.AnalysisResult, obj *schemas.AnalysisObject) []*schemas.AnalysisResult {
	for _, name := range plan {
		if _, have := st.status[name]; have {
			continue
		}
		st.plan = append(st.plan, name)
		p, _ := s.reg.Get(name)
		switch {
		case p != nil && !p.Applies(obj):
			st.status[name] = schemas.StatusSkipped
			st.results[name] = &schemas.AnalysisResult{
				Plugin:        name,
				PluginVersion: p.Version(),
				SkipReason:    "not applicable",
				AnalyzedAt:    time.Now().UTC(),
			}
		case cached[name] != nil:
			st.status[name] = schemas.StatusDone
			st.results[name] = cached[name]
		default:
			st.status[name] = schemas.StatusPending
			st.remaining++
			s.outstanding++
		}
	}

	// Dependents of a cell skipped at admission can never become ready;
	// settle them now instead of leaving them pending forever.
	skips := s.settleSkips(st)
	s.promoteReady(st)
	return skips
}

// settleSkips skips every Pending cell with a terminal non-Done dependency,
// iterating to a fixpoint. Caller holds mu.
func (s *Scheduler) settleSkips(st *objectState) []*schemas.AnalysisResult {
	var out []*schemas.AnalysisResult
	for changed := true; changed; {
		changed = false
		for _, name := range st.plan {
			if st.status[name] != schemas.StatusPending {
				continue
			}
			for _, dep := range s.reg.DependenciesOf(name) {
				status := st.status[dep]
				if !status.Terminal() || status == schemas.StatusDone {
					continue
				}
				res := &schemas.AnalysisResult{
					Plugin:     name,
					SkipReason: "dependency not analyzable: " + dep,
					AnalyzedAt: time.Now().UTC(),
				}
				st.status[name] = schemas.StatusSkipped
				st.results[name] = res
				s.completeCell(st)
				out = append(out, res)
				changed = true
				break
			}
		}
	}
	return out
}

// loadCached returns fresh, successful stored results for the plan, skipping
// forced plugins. A result is fresh only if its recorded plugin version
// matches the registered one.
func (s *Scheduler) loadCached(ctx context.Context, uid schemas.UID, plan []string, force map[string]bool) map[string]*schemas.AnalysisResult {
	cached := make(map[string]*schemas.AnalysisResult)
	for _, name := range plan {
		if force[name] {
			continue
		}
		p, ok := s.reg.Get(name)
		if !ok {
			continue
		}
		res, err := s.store.LoadResult(ctx, uid, name)
		if err != nil {
			continue
		}
		if res.Ok() && res.PluginVersion == p.Version() {
			cached[name] = res
		}
	}
	return cached
}

func (s *Scheduler) persistSkips(ctx context.Context, uid schemas.UID, skips []*schemas.AnalysisResult) {
	storeCtx := context.WithoutCancel(ctx)
	for _, res := range skips {
		s.persistResult(storeCtx, uid, res.Plugin, res)
	}
}

// foldChildren admits extracted blobs as child objects. Admission is rate
// limited and capped by the in-flight ceiling; hitting the ceiling truncates
// the rest of the branch with a marker rather than blocking a worker.
func (s *Scheduler) foldChildren(ctx context.Context, st *objectState, blobs []schemas.ExtractedBlob) {
	parentUID := st.obj.UID
	childBytes := st.chainBytes
	childCount := st.chainChildren
	s.mu.Lock()
	plan := append([]string(nil), st.plan...)
	s.mu.Unlock()

	for _, blob := range blobs {
		if s.cancelled.Load() {
			return
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		childBytes += int64(len(blob.Data))
		childCount++
		uid := schemas.NewUID(blob.Data)

		if uid == parentUID || st.chainSet[uid] {
			// The container contains an ancestor of itself. Record the edge
			// for the graph and stop the branch here.
			s.logger.Warn("Self-referential container branch",
				zap.String("parent", parentUID.Short()),
				zap.String("child", uid.Short()),
				zap.String("path", blob.VirtualPath))
			s.recordEdge(ctx, parentUID, uid, blob.VirtualPath)
			s.recordMarker(ctx, parentUID, unpacker.MarkerSelfReference)
			continue
		}

		data := blob.Data
		var child *schemas.AnalysisObject
		err := s.retryStore(ctx, "create child object", func(c context.Context) error {
			var err error
			child, _, err = s.store.GetOrCreate(c, uid, func() ([]byte, error) {
				return data, nil
			})
			return err
		})
		if err != nil {
			s.logger.Error("Creating child object failed; dropping branch",
				zap.String("parent", parentUID.Short()),
				zap.String("path", blob.VirtualPath),
				zap.Error(err))
			continue
		}
		s.recordEdge(ctx, parentUID, uid, blob.VirtualPath)

		s.mu.Lock()
		_, inRun := s.objects[uid]
		s.mu.Unlock()
		if inRun {
			// Another branch got here first; the edge above is all that was
			// missing.
			continue
		}

		if !s.admit.TryAcquire(1) {
			s.logger.Warn("In-flight object ceiling reached; truncating branch",
				zap.String("parent", parentUID.Short()),
				zap.Int64("ceiling", s.ucfg.MaxObjectsInFlight))
			s.recordMarker(ctx, parentUID, unpacker.MarkerObjectCeiling)
			return
		}

		childChain := make([]schemas.UID, 0, len(st.chain)+1)
		childChain = append(childChain, st.chain...)
		childChain = append(childChain, parentUID)
		s.admitObject(ctx, child, plan, st.depth+1, childChain, childBytes, childCount, true, nil)
	}
}

func (s *Scheduler) recordEdge(ctx context.Context, parent, child schemas.UID, path string) {
	err := s.retryStore(context.WithoutCancel(ctx), "add edge", func(c context.Context) error {
		return s.store.AddEdge(c, parent, child, path)
	})
	if err != nil {
		s.logger.Warn("Recording edge failed",
			zap.String("parent", parent.Short()),
			zap.String("child", child.Short()),
			zap.Error(err))
	}
}

func (s *Scheduler) recordMarker(ctx context.Context, uid schemas.UID, marker string) {
	err := s.retryStore(context.WithoutCancel(ctx), "add unpack marker", func(c context.Context) error {
		return s.store.AddUnpackMarker(c, uid, marker)
	})
	if err != nil {
		s.logger.Warn("Recording unpack marker failed", zap.String("uid", uid.Short()), zap.Error(err))
	}
}
