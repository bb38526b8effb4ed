package unpacker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/bitsurgeon/firmlens/api/schemas"
)

// TarBackend extracts POSIX and GNU tar archives.
type TarBackend struct {
	// maxDecode caps the total bytes materialized across entries. Plain tar
	// cannot outgrow its input, but GNU sparse entries expand holes to zeros.
	maxDecode int64
}

// NewTarBackend creates a tar backend with a decode cap.
func NewTarBackend(maxDecode int64) *TarBackend {
	return &TarBackend{maxDecode: maxDecode}
}

func (b *TarBackend) Name() string { return "tar" }

// Detect checks for the ustar magic at offset 257. Pre-POSIX tars without
// the magic are not recognized; firmware images virtually never ship them.
func (b *TarBackend) Detect(data []byte) bool {
	const magicOffset = 257
	if len(data) < magicOffset+5 {
		return false
	}
	return bytes.Equal(data[magicOffset:magicOffset+5], []byte("ustar"))
}

func (b *TarBackend) Extract(ctx context.Context, data []byte) ([]schemas.ExtractedBlob, error) {
	tr := tar.NewReader(bytes.NewReader(data))
	var blobs []schemas.ExtractedBlob
	var decoded int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return blobs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("corrupt tar header: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, err := readCapped(ctx, tr, b.maxDecode-decoded)
		if err != nil {
			return blobs, fmt.Errorf("failed reading tar entry %q: %w", hdr.Name, err)
		}
		decoded += int64(len(content))
		blobs = append(blobs, schemas.ExtractedBlob{
			VirtualPath: cleanVirtualPath(hdr.Name),
			Data:        content,
		})
	}
}

// cleanVirtualPath normalizes an archive entry name into a rooted virtual
// path, stripping traversal components.
func cleanVirtualPath(name string) string {
	cleaned := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	if cleaned == "/" || cleaned == "/." {
		return "/unnamed"
	}
	return cleaned
}
