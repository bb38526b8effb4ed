package aggregator

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitsurgeon/firmlens/api/schemas"
	"github.com/bitsurgeon/firmlens/internal/store"
)

func mustCreate(t *testing.T, ms *store.MemoryStore, payload []byte) schemas.UID {
	t.Helper()
	uid := schemas.NewUID(payload)
	_, _, err := ms.GetOrCreate(context.Background(), uid, func() ([]byte, error) { return payload, nil })
	require.NoError(t, err)
	return uid
}

func TestRollUp_DiamondGraph(t *testing.T) {
	ms := store.NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	root := mustCreate(t, ms, []byte("root image"))
	left := mustCreate(t, ms, []byte("left partition"))
	right := mustCreate(t, ms, []byte("right partition"))
	shared := mustCreate(t, ms, []byte("busybox"))

	require.NoError(t, ms.AddEdge(ctx, root, left, "/p1"))
	require.NoError(t, ms.AddEdge(ctx, root, right, "/p2"))
	require.NoError(t, ms.AddEdge(ctx, left, shared, "/bin/busybox"))
	require.NoError(t, ms.AddEdge(ctx, right, shared, "/bin/busybox"))

	require.NoError(t, ms.StoreResult(ctx, root, "file_type", &schemas.AnalysisResult{
		Plugin: "file_type", PluginVersion: "1.1", Summary: []string{"application/octet-stream"},
	}))
	require.NoError(t, ms.StoreResult(ctx, shared, "file_type", &schemas.AnalysisResult{
		Plugin: "file_type", PluginVersion: "1.1",
		Summary: []string{"application/x-executable"},
		Tags:    []string{"executable"},
	}))
	require.NoError(t, ms.StoreResult(ctx, shared, "entropy", &schemas.AnalysisResult{
		Plugin: "entropy", PluginVersion: "1.0", Tags: []string{"high_entropy"},
	}))
	require.NoError(t, ms.StoreResult(ctx, left, "entropy", &schemas.AnalysisResult{
		Plugin: "entropy", PluginVersion: "1.0", Error: "boom",
	}))
	require.NoError(t, ms.StoreResult(ctx, right, "entropy", &schemas.AnalysisResult{
		Plugin: "entropy", PluginVersion: "1.0", SkipReason: "dependency failed: file_type",
	}))

	roll, err := New(ms, zap.NewNop()).RollUp(ctx, root)
	require.NoError(t, err)

	assert.Equal(t, root, roll.Root)
	assert.Equal(t, 4, roll.ObjectCount, "shared child is counted once")
	assert.Equal(t, []string{"executable", "high_entropy"}, roll.Tags)

	wantSummaries := map[string]map[string][]schemas.UID{
		"file_type": {
			"application/octet-stream": {root},
			"application/x-executable": {shared},
		},
	}
	if diff := cmp.Diff(wantSummaries, roll.Summaries); diff != "" {
		assert.Fail(t, "summary mismatch", diff)
	}

	assert.Equal(t, 3, roll.StatusCounts[schemas.StatusDone])
	assert.Equal(t, 1, roll.StatusCounts[schemas.StatusFailed])
	assert.Equal(t, 1, roll.StatusCounts[schemas.StatusSkipped])
}

func TestRollUp_SelfEdgeDoesNotLoop(t *testing.T) {
	ms := store.NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	root := mustCreate(t, ms, []byte("quine"))
	require.NoError(t, ms.AddEdge(ctx, root, root, "/self"))
	require.NoError(t, ms.AddUnpackMarker(ctx, root, "self-referential container branch"))

	roll, err := New(ms, zap.NewNop()).RollUp(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 1, roll.ObjectCount)
	assert.Equal(t, []string{"self-referential container branch"}, roll.UnpackMarkers)
}

func TestRollUp_UnknownRoot(t *testing.T) {
	ms := store.NewMemoryStore(zap.NewNop())
	_, err := New(ms, zap.NewNop()).RollUp(context.Background(), schemas.UID("feed_4"))
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrObjectNotFound)
}
