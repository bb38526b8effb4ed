package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitsurgeon/firmlens/api/schemas"
	"github.com/bitsurgeon/firmlens/internal/aggregator"
	"github.com/bitsurgeon/firmlens/internal/config"
	"github.com/bitsurgeon/firmlens/internal/registry"
	"github.com/bitsurgeon/firmlens/internal/scheduler"
	"github.com/bitsurgeon/firmlens/internal/store"
)

type stubPlugin struct {
	name string
	deps []string
}

func (p *stubPlugin) Name() string                         { return p.name }
func (p *stubPlugin) Version() string                      { return "1.0" }
func (p *stubPlugin) Dependencies() []string               { return p.deps }
func (p *stubPlugin) Applies(*schemas.AnalysisObject) bool { return true }

func (p *stubPlugin) Process(_ context.Context, _ *schemas.AnalysisObject, _ map[string]*schemas.AnalysisResult) (*schemas.AnalysisResult, error) {
	return &schemas.AnalysisResult{
		Plugin:        p.name,
		PluginVersion: "1.0",
		Summary:       []string{p.name + " ran"},
		Tags:          []string{"tag_" + p.name},
		AnalyzedAt:    time.Now().UTC(),
	}, nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	reg := registry.New(zap.NewNop())
	require.NoError(t, reg.Register(&stubPlugin{name: "base"}))
	require.NoError(t, reg.Register(&stubPlugin{name: "derived", deps: []string{"base"}}))
	require.NoError(t, reg.Build())

	ms := store.NewMemoryStore(zap.NewNop())
	ecfg := config.EngineConfig{
		WorkerConcurrency: 2,
		QueueSize:         8,
		PluginTimeout:     time.Second,
		StoreRetries:      1,
		StoreRetryBackoff: time.Millisecond,
	}
	ucfg := config.UnpackerConfig{
		MaxDepth:            4,
		MaxExtractedBytes:   1 << 20,
		MaxChildrenPerChain: 16,
		MaxObjectsInFlight:  16,
		AdmitPerSecond:      100000,
	}
	sched := scheduler.New(ecfg, ucfg, zap.NewNop(), ms, reg)
	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	t.Cleanup(func() {
		cancel()
		sched.Stop()
	})

	return New(zap.NewNop(), reg, sched, aggregator.New(ms, zap.NewNop()))
}

func TestSubmit_Validation(t *testing.T) {
	svc := newTestService(t)
	var verr *schemas.ValidationError

	_, err := svc.Submit(context.Background(), nil, nil, nil)
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "empty")

	_, err = svc.Submit(context.Background(), []byte("data"), []string{"no_such_plugin"}, nil)
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "no_such_plugin")
}

func TestSubmit_RunsFullPlanAndReports(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	meta := &schemas.RootMetadata{Vendor: "acme", DeviceName: "router-x", Version: "1.0.3"}
	uid, err := svc.Submit(ctx, []byte("firmware image bytes"), nil, meta)
	require.NoError(t, err)
	require.True(t, uid.Valid())

	require.NoError(t, svc.WaitIdle(ctx))

	status, err := svc.Status(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusDone, status["base"])
	assert.Equal(t, schemas.StatusDone, status["derived"])

	report, err := svc.Report(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ObjectCount)
	assert.Equal(t, []string{"tag_base", "tag_derived"}, report.Tags)
}

func TestSubmit_ResubmissionIsStable(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.Submit(ctx, []byte("same bytes"), []string{"base"}, nil)
	require.NoError(t, err)
	second, err := svc.Submit(ctx, []byte("same bytes"), []string{"base"}, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSubmitAll(t *testing.T) {
	svc := newTestService(t)

	inputs := make([]Submission, 5)
	for i := range inputs {
		inputs[i] = Submission{Binary: []byte(fmt.Sprintf("image %d", i))}
	}
	uids, err := svc.SubmitAll(context.Background(), inputs)
	require.NoError(t, err)
	require.Len(t, uids, 5)
	for i, uid := range uids {
		assert.Equal(t, schemas.NewUID(inputs[i].Binary), uid)
	}
}

func TestMalformedUIDsAreRejected(t *testing.T) {
	svc := newTestService(t)
	var verr *schemas.ValidationError

	_, err := svc.Status(context.Background(), schemas.UID("not-a-uid"))
	require.ErrorAs(t, err, &verr)

	err = svc.RequestUpdate(context.Background(), schemas.UID("not-a-uid"), []string{"base"})
	require.ErrorAs(t, err, &verr)

	_, err = svc.Report(context.Background(), schemas.UID("not-a-uid"))
	require.ErrorAs(t, err, &verr)

	uid := schemas.NewUID([]byte("x"))
	err = svc.RequestUpdate(context.Background(), uid, nil)
	require.ErrorAs(t, err, &verr)
}
