package unpacker

import (
	"bytes"
	"context"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitsurgeon/firmlens/api/schemas"
)

func makeBrotli(t *testing.T, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	_, err := bw.Write(content)
	require.NoError(t, err)
	require.NoError(t, bw.Close())
	return buf.Bytes()
}

func TestBrotliBackend_RoundTrip(t *testing.T) {
	inner := []byte("kernel command line and other firmware strings")
	payload := makeBrotli(t, inner)

	b := NewBrotliBackend(1 << 20)
	require.True(t, b.Detect(payload))

	blobs, err := b.Extract(context.Background(), payload)
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, inner, blobs[0].Data)
}

func TestBrotliBackend_RejectsPlainData(t *testing.T) {
	b := NewBrotliBackend(1 << 20)
	assert.False(t, b.Detect([]byte("\x7fELF\x01\x01\x01 plain binary data, not compressed")))
	assert.False(t, b.Detect([]byte("{}")))
}

func TestEngine_BrotliOrderedAfterMagicFormats(t *testing.T) {
	e := NewDefaultEngine(testUnpackerConfig(), zap.NewNop())

	payload := makeBrotli(t, []byte("nested payload"))
	obj := schemas.NewAnalysisObject(payload)

	out, err := e.Unpack(context.Background(), obj, Budget{})
	require.NoError(t, err)
	assert.Equal(t, "brotli", out.Format)
	require.Len(t, out.Blobs, 1)
	assert.Equal(t, "/decompressed", out.Blobs[0].VirtualPath)
}
