package plugins

import (
	"context"
	"time"

	"github.com/bitsurgeon/firmlens/api/schemas"
	"github.com/bitsurgeon/firmlens/internal/unpacker"
)

// UnpackPlugin is the unpacking stage of a plan. It is a plugin like any
// other: the scheduler invokes it, and extracted children travel back inside
// the result's Extracted field rather than through scheduler state. The
// chain budget arrives on the context, placed there by the scheduler.
type UnpackPlugin struct {
	engine *unpacker.Engine
}

// NewUnpackPlugin creates the unpacker plugin over an extraction engine.
func NewUnpackPlugin(engine *unpacker.Engine) *UnpackPlugin {
	return &UnpackPlugin{engine: engine}
}

func (p *UnpackPlugin) Name() string           { return "unpacker" }
func (p *UnpackPlugin) Version() string        { return "1.3" }
func (p *UnpackPlugin) Dependencies() []string { return []string{"file_type"} }

// Applies accepts everything; payloads no backend recognizes produce an
// empty result rather than a skip, so the cell still records "not a
// container" knowledge.
func (p *UnpackPlugin) Applies(*schemas.AnalysisObject) bool { return true }

func (p *UnpackPlugin) Process(ctx context.Context, obj *schemas.AnalysisObject, _ map[string]*schemas.AnalysisResult) (*schemas.AnalysisResult, error) {
	out, err := p.engine.Unpack(ctx, obj, unpacker.BudgetFrom(ctx))
	if err != nil {
		return nil, err
	}

	return &schemas.AnalysisResult{
		Plugin:        p.Name(),
		PluginVersion: p.Version(),
		Payload: map[string]any{
			"format":   out.Format,
			"children": len(out.Blobs),
		},
		Summary:       summaryForFormat(out.Format),
		UnpackMarkers: out.Markers,
		Extracted:     out.Blobs,
		AnalyzedAt:    time.Now().UTC(),
	}, nil
}

func summaryForFormat(format string) []string {
	if format == "" {
		return []string{"no container format recognized"}
	}
	return []string{"unpacked as " + format}
}
