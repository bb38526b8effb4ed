package unpacker

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/bitsurgeon/firmlens/api/schemas"
)

// ZipBackend extracts zip archives.
type ZipBackend struct {
	// maxDecode caps the total decompressed size across entries so a
	// deflate bomb cannot exhaust memory before the engine's budget check
	// sees the blobs.
	maxDecode int64
}

// NewZipBackend creates a zip backend with a decompression cap.
func NewZipBackend(maxDecode int64) *ZipBackend {
	return &ZipBackend{maxDecode: maxDecode}
}

func (b *ZipBackend) Name() string { return "zip" }

func (b *ZipBackend) Detect(data []byte) bool {
	return len(data) >= 4 && bytes.HasPrefix(data, []byte("PK\x03\x04"))
}

func (b *ZipBackend) Extract(ctx context.Context, data []byte) ([]schemas.ExtractedBlob, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("corrupt zip archive: %w", err)
	}
	var blobs []schemas.ExtractedBlob
	var decoded int64
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		remaining := b.maxDecode - decoded
		// The declared size is attacker-controlled; it fails cheap cases
		// early, readCapped enforces the cap on the actual stream.
		if int64(f.UncompressedSize64) > remaining {
			return blobs, fmt.Errorf("zip entry %q declares %d bytes: %w", f.Name, f.UncompressedSize64, errDecodeCap)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed opening zip entry %q: %w", f.Name, err)
		}
		content, err := readCapped(ctx, rc, remaining)
		rc.Close()
		if err != nil {
			return blobs, fmt.Errorf("failed reading zip entry %q: %w", f.Name, err)
		}
		decoded += int64(len(content))
		blobs = append(blobs, schemas.ExtractedBlob{
			VirtualPath: cleanVirtualPath(f.Name),
			Data:        content,
		})
	}
	return blobs, nil
}
