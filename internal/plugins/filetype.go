// Package plugins contains the built-in analysis plugins. Every plugin is a
// schemas.Plugin; the scheduler invokes them and they never touch scheduler
// state themselves.
package plugins

import (
	"bytes"
	"context"
	"time"

	"github.com/bitsurgeon/firmlens/api/schemas"
)

// FileTypePlugin sniffs the payload's format from magic bytes. Most other
// plugins depend on it, which makes it the natural first stage of every plan.
type FileTypePlugin struct{}

// NewFileTypePlugin creates the file_type plugin.
func NewFileTypePlugin() *FileTypePlugin { return &FileTypePlugin{} }

func (p *FileTypePlugin) Name() string           { return "file_type" }
func (p *FileTypePlugin) Version() string        { return "1.1" }
func (p *FileTypePlugin) Dependencies() []string { return nil }

func (p *FileTypePlugin) Applies(*schemas.AnalysisObject) bool { return true }

func (p *FileTypePlugin) Process(ctx context.Context, obj *schemas.AnalysisObject, _ map[string]*schemas.AnalysisResult) (*schemas.AnalysisResult, error) {
	mime, descriptor := sniff(obj.Payload)

	res := &schemas.AnalysisResult{
		Plugin:        p.Name(),
		PluginVersion: p.Version(),
		Payload: map[string]any{
			"mime": mime,
			"full": descriptor,
		},
		Summary:    []string{mime},
		AnalyzedAt: time.Now().UTC(),
	}
	switch mime {
	case "application/gzip", "application/zip", "application/x-brotli":
		res.Tags = append(res.Tags, "compressed")
	case "application/x-executable":
		res.Tags = append(res.Tags, "executable")
	case "filesystem/squashfs", "application/x-tar":
		res.Tags = append(res.Tags, "container")
	}
	return res, nil
}

func sniff(data []byte) (mime, descriptor string) {
	switch {
	case bytes.HasPrefix(data, []byte("\x7fELF")):
		return "application/x-executable", "ELF executable"
	case bytes.HasPrefix(data, []byte{0x1f, 0x8b}):
		return "application/gzip", "gzip compressed data"
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return "application/zip", "Zip archive data"
	case len(data) > 262 && bytes.Equal(data[257:262], []byte("ustar")):
		return "application/x-tar", "POSIX tar archive"
	case bytes.HasPrefix(data, []byte("hsqs")):
		return "filesystem/squashfs", "Squashfs filesystem, little endian"
	case bytes.HasPrefix(data, []byte{0x89, 'P', 'N', 'G'}):
		return "image/png", "PNG image data"
	case bytes.HasPrefix(data, []byte{0xff, 0xd8, 0xff}):
		return "image/jpeg", "JPEG image data"
	case bytes.HasPrefix(data, []byte("\xd0\x0d\xfe\xed")):
		return "linux/device-tree", "flattened device tree blob"
	case isPrintable(data):
		return "text/plain", "ASCII text"
	default:
		return "application/octet-stream", "data"
	}
}

// isPrintable reports whether the payload is entirely printable ASCII (plus
// common whitespace). Empty payloads never reach plugins.
func isPrintable(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for _, b := range data {
		if b >= 0x20 && b < 0x7f {
			continue
		}
		switch b {
		case '\n', '\r', '\t':
			continue
		}
		return false
	}
	return true
}
