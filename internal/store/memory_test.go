package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitsurgeon/firmlens/api/schemas"
)

func TestMemoryStore_GetOrCreate(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	payload := []byte("firmware image")
	uid := schemas.NewUID(payload)

	obj, wasNew, err := s.GetOrCreate(context.Background(), uid, func() ([]byte, error) { return payload, nil })
	require.NoError(t, err)
	assert.True(t, wasNew)
	assert.Equal(t, uid, obj.UID)
	assert.Equal(t, int64(len(payload)), obj.Size)

	again, wasNew, err := s.GetOrCreate(context.Background(), uid, func() ([]byte, error) {
		t.Fatal("produce must not be called for an existing object")
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, wasNew)
	assert.Same(t, obj, again)
}

// Concurrent discovery of the same UID from many unpacking branches must
// create the object exactly once.
func TestMemoryStore_GetOrCreate_Concurrent(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	payload := []byte("shared child blob")
	uid := schemas.NewUID(payload)

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, wasNew, err := s.GetOrCreate(context.Background(), uid, func() ([]byte, error) { return payload, nil })
			assert.NoError(t, err)
			if wasNew {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_Edges(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	parentPayload := []byte("parent archive")
	childPayload := []byte("child file")
	parent, _, err := s.GetOrCreate(ctx, schemas.NewUID(parentPayload), func() ([]byte, error) { return parentPayload, nil })
	require.NoError(t, err)
	child, _, err := s.GetOrCreate(ctx, schemas.NewUID(childPayload), func() ([]byte, error) { return childPayload, nil })
	require.NoError(t, err)

	require.NoError(t, s.AddEdge(ctx, parent.UID, child.UID, "/bin/sh"))
	require.NoError(t, s.AddEdge(ctx, parent.UID, child.UID, "/sbin/sh"))
	// Duplicate edge collapses.
	require.NoError(t, s.AddEdge(ctx, parent.UID, child.UID, "/bin/sh"))

	assert.Equal(t, []schemas.UID{child.UID}, parent.Children)
	assert.ElementsMatch(t, []string{"/bin/sh", "/sbin/sh"}, child.Parents[parent.UID])
}

func TestMemoryStore_EdgeUnknownObject(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	err := s.AddEdge(context.Background(), schemas.UID("missing_1"), schemas.UID("missing_2"), "/x")
	assert.ErrorIs(t, err, schemas.ErrObjectNotFound)
}

func TestMemoryStore_Results(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	payload := []byte("some object")
	obj, _, err := s.GetOrCreate(ctx, schemas.NewUID(payload), func() ([]byte, error) { return payload, nil })
	require.NoError(t, err)

	_, err = s.LoadResult(ctx, obj.UID, "file_type")
	assert.ErrorIs(t, err, schemas.ErrResultNotFound)

	res := &schemas.AnalysisResult{Plugin: "file_type", PluginVersion: "1.0", Tags: []string{"elf"}}
	require.NoError(t, s.StoreResult(ctx, obj.UID, "file_type", res))

	loaded, err := s.LoadResult(ctx, obj.UID, "file_type")
	require.NoError(t, err)
	assert.Equal(t, res, loaded)
	assert.Equal(t, res, obj.Results["file_type"])
}

func TestMemoryStore_RootMetadataAndMarkers(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	payload := []byte("root image")
	obj, _, err := s.GetOrCreate(ctx, schemas.NewUID(payload), func() ([]byte, error) { return payload, nil })
	require.NoError(t, err)

	meta := &schemas.RootMetadata{Vendor: "acme", DeviceName: "router-9000", Version: "1.2.3"}
	require.NoError(t, s.SetRootMetadata(ctx, obj.UID, meta))
	assert.Equal(t, meta, obj.Root)

	require.NoError(t, s.AddUnpackMarker(ctx, obj.UID, "extraction byte limit exceeded"))
	require.NoError(t, s.AddUnpackMarker(ctx, obj.UID, "extraction byte limit exceeded"))
	assert.Len(t, obj.UnpackMarkers, 1)
}
