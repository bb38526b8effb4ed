//go:build go1.18
// +build go1.18

package unpacker

import (
	"context"
	"testing"

	fuzzheaders "github.com/AdaLogics/go-fuzz-headers"
	"go.uber.org/zap"

	"github.com/bitsurgeon/firmlens/api/schemas"
)

// Fuzz_Unpack feeds arbitrary payloads through detection and extraction.
// Backends must never panic on hostile input; errors are fine.
func Fuzz_Unpack(f *testing.F) {
	f.Add([]byte("PK\x03\x04garbage"))
	f.Add([]byte{0x1f, 0x8b, 0x08, 0x00, 0x00})
	f.Add([]byte("plain text payload"))

	e := NewDefaultEngine(testUnpackerConfig(), zap.NewNop())

	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzzheaders.NewConsumer(data)
		payload, err := consumer.GetBytes()
		if err != nil || len(payload) == 0 {
			return
		}
		obj := schemas.NewAnalysisObject(payload)
		out, err := e.Unpack(context.Background(), obj, Budget{})
		if err != nil {
			return
		}
		for _, blob := range out.Blobs {
			if blob.VirtualPath == "" {
				t.Fatalf("extracted blob with empty virtual path from %s", obj.UID.Short())
			}
		}
	})
}
