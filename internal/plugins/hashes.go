package plugins

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/bitsurgeon/firmlens/api/schemas"
)

// HashesPlugin computes the standard digest set for a payload. The xxh3
// digests are not security-relevant; they are fast fingerprints for external
// dedup tooling.
type HashesPlugin struct{}

// NewHashesPlugin creates the crypto_hashes plugin.
func NewHashesPlugin() *HashesPlugin { return &HashesPlugin{} }

func (p *HashesPlugin) Name() string           { return "crypto_hashes" }
func (p *HashesPlugin) Version() string        { return "1.0" }
func (p *HashesPlugin) Dependencies() []string { return nil }

func (p *HashesPlugin) Applies(*schemas.AnalysisObject) bool { return true }

func (p *HashesPlugin) Process(ctx context.Context, obj *schemas.AnalysisObject, _ map[string]*schemas.AnalysisResult) (*schemas.AnalysisResult, error) {
	sum256 := sha256.Sum256(obj.Payload)
	sum1 := sha1.Sum(obj.Payload)
	sumMD5 := md5.Sum(obj.Payload)
	x128 := xxh3.Hash128(obj.Payload)

	return &schemas.AnalysisResult{
		Plugin:        p.Name(),
		PluginVersion: p.Version(),
		Payload: map[string]any{
			"sha256":   hex.EncodeToString(sum256[:]),
			"sha1":     hex.EncodeToString(sum1[:]),
			"md5":      hex.EncodeToString(sumMD5[:]),
			"xxh3_64":  fmt.Sprintf("%016x", xxh3.Hash(obj.Payload)),
			"xxh3_128": fmt.Sprintf("%016x%016x", x128.Hi, x128.Lo),
			"size":     obj.Size,
		},
		AnalyzedAt: time.Now().UTC(),
	}, nil
}
