package unpacker

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"

	"github.com/bitsurgeon/firmlens/api/schemas"
)

// BrotliBackend decompresses a raw brotli stream into a single child blob.
//
// Brotli has no magic bytes, so Detect runs a bounded trial decode. The
// backend must therefore be ordered last, after every backend with an
// unambiguous magic.
type BrotliBackend struct {
	maxDecode int64
}

// NewBrotliBackend creates a brotli backend with a decompression cap.
func NewBrotliBackend(maxDecode int64) *BrotliBackend {
	return &BrotliBackend{maxDecode: maxDecode}
}

func (b *BrotliBackend) Name() string { return "brotli" }

// Detect runs a full trial decode, capped at maxDecode. Only a stream that
// decodes cleanly to EOF and produces output counts as a match; arbitrary
// data essentially never does.
func (b *BrotliBackend) Detect(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	br := brotli.NewReader(bytes.NewReader(data))
	var total int64
	chunk := make([]byte, 64*1024)
	for {
		n, err := br.Read(chunk)
		total += int64(n)
		if total > b.maxDecode {
			return false
		}
		if err == io.EOF {
			return total > 0
		}
		if err != nil {
			return false
		}
	}
}

func (b *BrotliBackend) Extract(ctx context.Context, data []byte) ([]schemas.ExtractedBlob, error) {
	br := brotli.NewReader(bytes.NewReader(data))
	content, err := readCapped(ctx, br, b.maxDecode)
	if err != nil {
		return nil, fmt.Errorf("failed decompressing brotli stream: %w", err)
	}
	return []schemas.ExtractedBlob{{VirtualPath: "/decompressed", Data: content}}, nil
}
