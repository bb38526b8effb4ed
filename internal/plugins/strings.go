package plugins

import (
	"context"
	"time"

	"github.com/bitsurgeon/firmlens/api/schemas"
)

const (
	minStringLength  = 6
	maxSampleStrings = 50
)

// StringsPlugin extracts printable ASCII runs, the classic first look into
// an opaque firmware blob.
type StringsPlugin struct{}

// NewStringsPlugin creates the printable_strings plugin.
func NewStringsPlugin() *StringsPlugin { return &StringsPlugin{} }

func (p *StringsPlugin) Name() string           { return "printable_strings" }
func (p *StringsPlugin) Version() string        { return "1.0" }
func (p *StringsPlugin) Dependencies() []string { return []string{"file_type"} }

// Applies skips pure images; strings out of JPEG noise are worthless.
func (p *StringsPlugin) Applies(obj *schemas.AnalysisObject) bool {
	mime, _ := sniff(obj.Payload)
	return mime != "image/png" && mime != "image/jpeg"
}

func (p *StringsPlugin) Process(ctx context.Context, obj *schemas.AnalysisObject, deps map[string]*schemas.AnalysisResult) (*schemas.AnalysisResult, error) {
	found := extractStrings(obj.Payload, minStringLength)

	sample := found
	if len(sample) > maxSampleStrings {
		sample = sample[:maxSampleStrings]
	}

	res := &schemas.AnalysisResult{
		Plugin:        p.Name(),
		PluginVersion: p.Version(),
		Payload: map[string]any{
			"count":   len(found),
			"strings": sample,
		},
		AnalyzedAt: time.Now().UTC(),
	}
	if ft, ok := deps["file_type"]; ok && ft.Ok() {
		if mime, ok := ft.Payload["mime"].(string); ok {
			res.Payload["source_mime"] = mime
		}
	}
	return res, nil
}

func extractStrings(data []byte, minLen int) []string {
	var out []string
	start := -1
	for i, b := range data {
		printable := b >= 0x20 && b < 0x7f
		if printable && start < 0 {
			start = i
		}
		if !printable && start >= 0 {
			if i-start >= minLen {
				out = append(out, string(data[start:i]))
			}
			start = -1
		}
	}
	if start >= 0 && len(data)-start >= minLen {
		out = append(out, string(data[start:]))
	}
	return out
}
