package plugins

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bitsurgeon/firmlens/api/schemas"
)

// highEntropyThreshold is the Shannon entropy (bits per byte) above which a
// payload is flagged as compressed or encrypted.
const highEntropyThreshold = 7.2

// EntropyPlugin measures byte-level Shannon entropy. High entropy on a blob
// the unpacker could not open usually means encryption or unknown
// compression, which is worth surfacing in the roll-up.
type EntropyPlugin struct{}

// NewEntropyPlugin creates the entropy plugin.
func NewEntropyPlugin() *EntropyPlugin { return &EntropyPlugin{} }

func (p *EntropyPlugin) Name() string           { return "entropy" }
func (p *EntropyPlugin) Version() string        { return "1.0" }
func (p *EntropyPlugin) Dependencies() []string { return []string{"file_type"} }

func (p *EntropyPlugin) Applies(*schemas.AnalysisObject) bool { return true }

func (p *EntropyPlugin) Process(ctx context.Context, obj *schemas.AnalysisObject, deps map[string]*schemas.AnalysisResult) (*schemas.AnalysisResult, error) {
	entropy := shannonEntropy(obj.Payload)

	res := &schemas.AnalysisResult{
		Plugin:        p.Name(),
		PluginVersion: p.Version(),
		Payload: map[string]any{
			"entropy": entropy,
		},
		Summary:    []string{fmt.Sprintf("entropy %.2f", entropy)},
		AnalyzedAt: time.Now().UTC(),
	}
	if entropy >= highEntropyThreshold {
		res.Tags = append(res.Tags, "high_entropy")
		// Only interesting when file_type saw an opaque blob.
		if ft, ok := deps["file_type"]; ok && ft.Ok() {
			if mime, ok := ft.Payload["mime"].(string); ok && mime == "application/octet-stream" {
				res.Tags = append(res.Tags, "possibly_encrypted")
			}
		}
	}
	return res, nil
}

func shannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	total := float64(len(data))
	var entropy float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}
