package unpacker

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"

	"github.com/bitsurgeon/firmlens/api/schemas"
)

// GzipBackend decompresses a gzip stream into a single child blob.
type GzipBackend struct {
	// maxDecode caps the decompressed size so a gzip bomb cannot exhaust
	// memory before the engine's budget check sees the blob.
	maxDecode int64
}

// NewGzipBackend creates a gzip backend with a decompression cap.
func NewGzipBackend(maxDecode int64) *GzipBackend {
	return &GzipBackend{maxDecode: maxDecode}
}

func (b *GzipBackend) Name() string { return "gzip" }

func (b *GzipBackend) Detect(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

func (b *GzipBackend) Extract(ctx context.Context, data []byte) ([]schemas.ExtractedBlob, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("corrupt gzip stream: %w", err)
	}
	defer gr.Close()

	content, err := readCapped(ctx, gr, b.maxDecode)
	if err != nil {
		return nil, fmt.Errorf("failed decompressing gzip stream: %w", err)
	}

	name := gr.Name
	if name == "" {
		name = "decompressed"
	}
	return []schemas.ExtractedBlob{{VirtualPath: cleanVirtualPath(name), Data: content}}, nil
}

// readCapped reads r to EOF but refuses to decode more than cap+1 bytes,
// checking ctx between chunks.
func readCapped(ctx context.Context, r io.Reader, max int64) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(chunk)
		if n > 0 {
			if int64(buf.Len()+n) > max {
				return nil, fmt.Errorf("decompressed stream exceeds %d bytes: %w", max, errDecodeCap)
			}
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}
