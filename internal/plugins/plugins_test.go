package plugins

import (
	"bytes"
	"compress/gzip"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitsurgeon/firmlens/api/schemas"
	"github.com/bitsurgeon/firmlens/internal/config"
	"github.com/bitsurgeon/firmlens/internal/registry"
	"github.com/bitsurgeon/firmlens/internal/unpacker"
)

func testUnpackerConfig() config.UnpackerConfig {
	return config.UnpackerConfig{
		MaxDepth:            4,
		MaxExtractedBytes:   1 << 20,
		MaxChildrenPerChain: 64,
		MaxObjectsInFlight:  64,
		AdmitPerSecond:      10000,
	}
}

func gzipped(t *testing.T, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(content)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func TestRegisterBuiltins(t *testing.T) {
	r := registry.New(zap.NewNop())
	require.NoError(t, RegisterBuiltins(r, testUnpackerConfig(), zap.NewNop()))

	assert.Equal(t, []string{"file_type", "crypto_hashes", "unpacker", "printable_strings", "entropy"}, r.Names())

	// Every dependent of file_type is reachable.
	assert.ElementsMatch(t, []string{"unpacker", "printable_strings", "entropy"}, r.DependentsOf("file_type"))
}

func TestFileTypePlugin_Sniffing(t *testing.T) {
	p := NewFileTypePlugin()

	cases := []struct {
		name string
		data []byte
		mime string
	}{
		{"elf", []byte("\x7fELF\x02\x01\x01..."), "application/x-executable"},
		{"gzip", gzipped(t, []byte("payload")), "application/gzip"},
		{"device tree", []byte("\xd0\x0d\xfe\xed\x00\x00\x00\x38"), "linux/device-tree"},
		{"text", []byte("#!/bin/sh\necho hello\n"), "text/plain"},
		{"opaque", []byte{0x01, 0x02, 0x03, 0xfe}, "application/octet-stream"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obj := schemas.NewAnalysisObject(tc.data)
			res, err := p.Process(context.Background(), obj, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.mime, res.Payload["mime"])
			assert.Equal(t, []string{tc.mime}, res.Summary)
		})
	}
}

func TestHashesPlugin(t *testing.T) {
	p := NewHashesPlugin()
	obj := schemas.NewAnalysisObject([]byte("abc"))

	res, err := p.Process(context.Background(), obj, nil)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", res.Payload["sha256"])
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", res.Payload["md5"])
	assert.Len(t, res.Payload["xxh3_64"], 16)
	assert.Len(t, res.Payload["xxh3_128"], 32)
}

func TestStringsPlugin(t *testing.T) {
	p := NewStringsPlugin()
	payload := append([]byte{0x00, 0x01}, []byte("BusyBox v1.36.1 (toolchain)")...)
	payload = append(payload, 0xff, 0xfe)
	payload = append(payload, []byte("short")...) // below minimum length
	obj := schemas.NewAnalysisObject(payload)

	res, err := p.Process(context.Background(), obj, map[string]*schemas.AnalysisResult{
		"file_type": {Plugin: "file_type", Payload: map[string]any{"mime": "application/octet-stream"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Payload["count"])
	assert.Equal(t, []string{"BusyBox v1.36.1 (toolchain)"}, res.Payload["strings"])
	assert.Equal(t, "application/octet-stream", res.Payload["source_mime"])
}

func TestStringsPlugin_SkipsImages(t *testing.T) {
	p := NewStringsPlugin()
	png := schemas.NewAnalysisObject([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a})
	assert.False(t, p.Applies(png))
	assert.True(t, p.Applies(schemas.NewAnalysisObject([]byte("plain old text"))))
}

func TestEntropyPlugin_FlagsOpaqueHighEntropy(t *testing.T) {
	p := NewEntropyPlugin()

	// A full byte spread has entropy 8.
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i % 256)
	}
	obj := schemas.NewAnalysisObject(data)

	res, err := p.Process(context.Background(), obj, map[string]*schemas.AnalysisResult{
		"file_type": {Plugin: "file_type", Payload: map[string]any{"mime": "application/octet-stream"}},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Tags, "high_entropy")
	assert.Contains(t, res.Tags, "possibly_encrypted")

	low, err := p.Process(context.Background(), schemas.NewAnalysisObject(bytes.Repeat([]byte("a"), 1024)), nil)
	require.NoError(t, err)
	assert.Empty(t, low.Tags)
}

func TestUnpackPlugin_ReturnsBlobsInResult(t *testing.T) {
	engine := unpacker.NewDefaultEngine(testUnpackerConfig(), zap.NewNop())
	p := NewUnpackPlugin(engine)

	inner := []byte("inner file contents")
	obj := schemas.NewAnalysisObject(gzipped(t, inner))

	res, err := p.Process(context.Background(), obj, nil)
	require.NoError(t, err)
	assert.Equal(t, "gzip", res.Payload["format"])
	assert.Equal(t, 1, res.Payload["children"])
	require.Len(t, res.Extracted, 1)
	assert.Equal(t, inner, res.Extracted[0].Data)
	assert.Empty(t, res.UnpackMarkers)
}

func TestUnpackPlugin_DepthBudgetFromContext(t *testing.T) {
	cfg := testUnpackerConfig()
	cfg.MaxDepth = 1
	engine := unpacker.NewDefaultEngine(cfg, zap.NewNop())
	p := NewUnpackPlugin(engine)

	obj := schemas.NewAnalysisObject(gzipped(t, []byte("too deep")))
	ctx := unpacker.WithBudget(context.Background(), unpacker.Budget{Depth: 1})

	res, err := p.Process(ctx, obj, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Extracted)
	assert.Contains(t, res.UnpackMarkers, unpacker.MarkerDepthLimit)
}

func TestUnpackPlugin_NotAContainer(t *testing.T) {
	engine := unpacker.NewDefaultEngine(testUnpackerConfig(), zap.NewNop())
	p := NewUnpackPlugin(engine)

	res, err := p.Process(context.Background(), schemas.NewAnalysisObject([]byte("\x7fELF binary")), nil)
	require.NoError(t, err)
	assert.Equal(t, "", res.Payload["format"])
	assert.Equal(t, []string{"no container format recognized"}, res.Summary)
}
