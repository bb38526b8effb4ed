// Package store provides ObjectStore implementations: an in-memory arena for
// single-shot runs and tests, and a PostgreSQL-backed store for persistent
// multi-run caching.
package store

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/bitsurgeon/firmlens/api/schemas"
)

// MemoryStore is a mutex-guarded, content-addressed arena of analysis
// objects. GetOrCreate is atomic under the store lock, which is all the
// cross-branch synchronization concurrent unpacking needs.
type MemoryStore struct {
	log *zap.Logger

	mu      sync.Mutex
	objects map[schemas.UID]*schemas.AnalysisObject
	results map[schemas.UID]map[string]*schemas.AnalysisResult
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		log:     logger.Named("memstore"),
		objects: make(map[schemas.UID]*schemas.AnalysisObject),
		results: make(map[schemas.UID]map[string]*schemas.AnalysisResult),
	}
}

// GetOrCreate implements schemas.ObjectStore. produce is invoked under the
// store lock, only when the object does not exist yet; payload producers are
// pure so this cannot deadlock.
func (s *MemoryStore) GetOrCreate(ctx context.Context, uid schemas.UID, produce func() ([]byte, error)) (*schemas.AnalysisObject, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if obj, ok := s.objects[uid]; ok {
		return obj, false, nil
	}
	payload, err := produce()
	if err != nil {
		return nil, false, &schemas.PersistenceError{Op: "get-or-create", Err: err}
	}
	obj := schemas.NewAnalysisObject(payload)
	s.objects[obj.UID] = obj
	s.log.Debug("Object created", zap.String("uid", obj.UID.Short()), zap.Int64("size", obj.Size))
	return obj, true, nil
}

// Get implements schemas.ObjectStore.
func (s *MemoryStore) Get(ctx context.Context, uid schemas.UID) (*schemas.AnalysisObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[uid]
	if !ok {
		return nil, schemas.ErrObjectNotFound
	}
	return obj, nil
}

// AddEdge implements schemas.ObjectStore.
func (s *MemoryStore) AddEdge(ctx context.Context, parent, child schemas.UID, virtualPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	parentObj, ok := s.objects[parent]
	if !ok {
		return schemas.ErrObjectNotFound
	}
	childObj, ok := s.objects[child]
	if !ok {
		return schemas.ErrObjectNotFound
	}
	parentObj.AddChild(child)
	childObj.AddParent(parent, virtualPath)
	return nil
}

// SetRootMetadata implements schemas.ObjectStore.
func (s *MemoryStore) SetRootMetadata(ctx context.Context, uid schemas.UID, meta *schemas.RootMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[uid]
	if !ok {
		return schemas.ErrObjectNotFound
	}
	obj.Root = meta
	return nil
}

// AddUnpackMarker implements schemas.ObjectStore.
func (s *MemoryStore) AddUnpackMarker(ctx context.Context, uid schemas.UID, marker string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[uid]
	if !ok {
		return schemas.ErrObjectNotFound
	}
	obj.AddUnpackMarker(marker)
	return nil
}

// LoadResult implements schemas.ObjectStore.
func (s *MemoryStore) LoadResult(ctx context.Context, uid schemas.UID, plugin string) (*schemas.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.results[uid][plugin]
	if !ok {
		return nil, schemas.ErrResultNotFound
	}
	return res, nil
}

// StoreResult implements schemas.ObjectStore.
func (s *MemoryStore) StoreResult(ctx context.Context, uid schemas.UID, plugin string, res *schemas.AnalysisResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[uid]; !ok {
		return schemas.ErrObjectNotFound
	}
	if s.results[uid] == nil {
		s.results[uid] = make(map[string]*schemas.AnalysisResult)
	}
	s.results[uid][plugin] = res
	if obj := s.objects[uid]; obj.Results == nil {
		obj.Results = make(map[string]*schemas.AnalysisResult)
	}
	s.objects[uid].Results[plugin] = res
	return nil
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
