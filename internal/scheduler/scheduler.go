// Package scheduler is the orchestration core: it owns the per-run work
// state, the bounded ready queue, the worker pool, and the completion logic
// that folds unpacked children back into the run.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/bitsurgeon/firmlens/api/schemas"
	"github.com/bitsurgeon/firmlens/internal/config"
	"github.com/bitsurgeon/firmlens/internal/registry"
)

// workItem is one pending (object, plugin) execution unit.
type workItem struct {
	uid    schemas.UID
	plugin string
}

// objectState is the scheduler's view of one object in the run.
type objectState struct {
	obj  *schemas.AnalysisObject
	plan []string

	status  map[string]schemas.WorkStatus
	results map[string]*schemas.AnalysisResult

	// chain is the unpacking ancestry from root to the direct parent;
	// chainSet indexes it for self-reference detection. Both are fixed at
	// admission.
	chain    []schemas.UID
	chainSet map[schemas.UID]bool
	depth    int

	// chainBytes/chainChildren accumulate extraction along the ancestor
	// path, including sibling blobs produced at each level.
	chainBytes    int64
	chainChildren int

	// remaining counts non-terminal cells; the object is complete at zero.
	remaining int
	holdsSlot bool
}

// Scheduler coordinates one analysis run. All mutable state is owned by a
// single instance, so independent runs can coexist in one process.
type Scheduler struct {
	cfg    config.EngineConfig
	ucfg   config.UnpackerConfig
	logger *zap.Logger
	store  schemas.ObjectStore
	reg    *registry.Registry

	mu        sync.Mutex
	objects   map[schemas.UID]*objectState
	readyList []workItem
	// outstanding counts non-terminal cells across all objects; the run is
	// idle exactly when it is zero.
	outstanding int
	waiters     []chan struct{}

	queue  chan workItem
	notify chan struct{}

	// admit bounds the number of in-flight objects; the unpacker truncates
	// extraction instead of blocking when the ceiling is reached.
	admit *semaphore.Weighted
	// limiter throttles child admission so one archive bomb cannot
	// monopolize the run even below the ceiling.
	limiter *rate.Limiter

	wg        sync.WaitGroup
	cancelled atomic.Bool
	started   atomic.Bool
}

// New creates a scheduler for one run.
func New(
	cfg config.EngineConfig,
	ucfg config.UnpackerConfig,
	logger *zap.Logger,
	store schemas.ObjectStore,
	reg *registry.Registry,
) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		ucfg:    ucfg,
		logger:  logger.Named("scheduler"),
		store:   store,
		reg:     reg,
		objects: make(map[schemas.UID]*objectState),
		queue:   make(chan workItem, cfg.QueueSize),
		notify:  make(chan struct{}, 1),
		admit:   semaphore.NewWeighted(ucfg.MaxObjectsInFlight),
		limiter: rate.NewLimiter(rate.Limit(ucfg.AdmitPerSecond), int(ucfg.AdmitPerSecond)+1),
	}
}

// Start launches the dispatcher and the worker pool. Workers run until ctx
// is cancelled; Stop waits for them.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("Scheduler.Start called twice; ignoring")
		return
	}

	concurrency := s.cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	s.logger.Info("Starting scheduler", zap.Int("concurrency", concurrency), zap.Int("queue_size", s.cfg.QueueSize))

	s.wg.Add(1)
	go s.dispatch(ctx)

	for i := 0; i < concurrency; i++ {
		s.wg.Add(1)
		go s.runWorker(ctx, i+1)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		// Admission stops immediately; in-flight work finishes naturally.
		s.cancelled.Store(true)
		s.wake()
		s.mu.Lock()
		waiters := s.waiters
		s.waiters = nil
		s.mu.Unlock()
		for _, w := range waiters {
			close(w)
		}
	}()
}

// Stop waits for the dispatcher and workers to exit. Call after cancelling
// the Start context.
func (s *Scheduler) Stop() {
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// dispatch moves ready items from the unbounded ready list into the bounded
// queue. Only the dispatcher blocks on the queue, so workers can always make
// progress (and release admission slots) even when the queue is full.
func (s *Scheduler) dispatch(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		var item workItem
		have := false
		for len(s.readyList) > 0 {
			item = s.readyList[0]
			s.readyList = s.readyList[1:]
			// Drop stale entries; a skip cascade may have overtaken them.
			if s.objects[item.uid] != nil && s.objects[item.uid].status[item.plugin] == schemas.StatusReady {
				have = true
				break
			}
		}
		s.mu.Unlock()

		if !have {
			select {
			case <-ctx.Done():
				return
			case <-s.notify:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case s.queue <- item:
		}
	}
}

// wake nudges the dispatcher without blocking.
func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pushReady marks a cell Ready and hands it to the dispatcher. Caller holds mu.
func (s *Scheduler) pushReady(st *objectState, plugin string) {
	st.status[plugin] = schemas.StatusReady
	s.readyList = append(s.readyList, workItem{uid: st.obj.UID, plugin: plugin})
	s.wake()
}

// promoteReady moves every Pending cell whose dependencies are all Done to
// Ready. Caller holds mu.
func (s *Scheduler) promoteReady(st *objectState) {
	for _, name := range st.plan {
		if st.status[name] != schemas.StatusPending {
			continue
		}
		ready := true
		for _, dep := range s.reg.DependenciesOf(name) {
			if st.status[dep] != schemas.StatusDone {
				ready = false
				break
			}
		}
		if ready {
			s.pushReady(st, name)
		}
	}
}

// completeCell does the terminal-state bookkeeping for one cell. Caller
// holds mu.
func (s *Scheduler) completeCell(st *objectState) {
	st.remaining--
	s.outstanding--
	if st.remaining == 0 {
		if st.holdsSlot {
			st.holdsSlot = false
			s.admit.Release(1)
		}
		s.logger.Debug("Object complete", zap.String("uid", st.obj.UID.Short()))
	}
	if s.outstanding == 0 {
		for _, w := range s.waiters {
			close(w)
		}
		s.waiters = nil
	}
}

// WaitIdle blocks until every discovered object has every planned plugin in
// a terminal state, or until ctx is cancelled.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	if s.outstanding == 0 {
		s.mu.Unlock()
		return nil
	}
	if s.cancelled.Load() {
		s.mu.Unlock()
		return context.Canceled
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		if s.cancelled.Load() {
			return context.Canceled
		}
		return nil
	}
}

// Status returns the per-plugin state map for an object. Objects unknown to
// the run fall back to the store: persisted results map to their terminal
// states.
func (s *Scheduler) Status(ctx context.Context, uid schemas.UID) (map[string]schemas.WorkStatus, error) {
	s.mu.Lock()
	if st, ok := s.objects[uid]; ok {
		out := make(map[string]schemas.WorkStatus, len(st.status))
		for name, status := range st.status {
			out[name] = status
		}
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	obj, err := s.store.Get(ctx, uid)
	if err != nil {
		return nil, err
	}
	out := make(map[string]schemas.WorkStatus, len(obj.Results))
	for name, res := range obj.Results {
		switch {
		case res.Error != "":
			out[name] = schemas.StatusFailed
		case res.SkipReason != "":
			out[name] = schemas.StatusSkipped
		default:
			out[name] = schemas.StatusDone
		}
	}
	return out, nil
}

// ObjectCount returns the number of objects discovered so far in this run.
func (s *Scheduler) ObjectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
