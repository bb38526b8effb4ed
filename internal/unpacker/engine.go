// Package unpacker extracts child blobs out of container payloads, bounded
// by depth, byte, and child-count budgets so hostile archives degrade to
// truncation markers instead of unbounded growth.
package unpacker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/bitsurgeon/firmlens/api/schemas"
	"github.com/bitsurgeon/firmlens/internal/config"
)

// Markers recorded on objects when extraction is cut short. These are
// non-fatal: analysis of already-produced children continues.
const (
	MarkerDepthLimit    = "unpacking depth limit exceeded"
	MarkerByteLimit     = "extraction byte limit exceeded"
	MarkerChildLimit    = "extraction child limit exceeded"
	MarkerSelfReference = "self-referential container branch"
	MarkerObjectCeiling = "in-flight object ceiling reached"
)

// errDecodeCap signals that a backend stopped extraction at its decode cap.
// Backends return it alongside whatever they decoded before the cap; the
// engine converts it into a byte-limit marker instead of a failure.
var errDecodeCap = errors.New("decode cap exceeded")

// Budget is the consumed portion of an unpacking chain's allowance, carried
// from the root down to the object being unpacked.
type Budget struct {
	// Depth is the object's unpacking depth; roots are at 0.
	Depth int
	// BytesExtracted is the running total of bytes produced along the chain.
	BytesExtracted int64
	// Children is the running count of children produced along the chain.
	Children int
}

// Outcome is the result of one extraction pass.
type Outcome struct {
	// Format names the detected container format, or "" if the payload is
	// not a recognized container.
	Format string
	// Blobs are the extracted children, possibly truncated by the budget.
	Blobs []schemas.ExtractedBlob
	// Markers describes any limit that cut extraction short.
	Markers []string
}

// Engine drives format detection and extraction through the registered
// backends. Format sniffing order matters: unambiguous magics go first and
// the heuristic brotli probe goes last.
type Engine struct {
	cfg      config.UnpackerConfig
	logger   *zap.Logger
	backends []schemas.UnpackBackend
}

// NewEngine creates an engine over an explicit backend list.
func NewEngine(cfg config.UnpackerConfig, logger *zap.Logger, backends ...schemas.UnpackBackend) *Engine {
	return &Engine{
		cfg:      cfg,
		logger:   logger.Named("unpacker"),
		backends: backends,
	}
}

// NewDefaultEngine creates an engine with the built-in backends.
func NewDefaultEngine(cfg config.UnpackerConfig, logger *zap.Logger) *Engine {
	return NewEngine(cfg, logger,
		NewGzipBackend(cfg.MaxExtractedBytes),
		NewZipBackend(cfg.MaxExtractedBytes),
		NewTarBackend(cfg.MaxExtractedBytes),
		NewBrotliBackend(cfg.MaxExtractedBytes),
	)
}

// Detect returns the first backend that recognizes the payload.
func (e *Engine) Detect(data []byte) (schemas.UnpackBackend, bool) {
	for _, b := range e.backends {
		if b.Detect(data) {
			return b, true
		}
	}
	return nil, false
}

// Unpack extracts the children of obj, honoring the chain budget. A depth
// overrun yields a marker and no extraction; byte or child overruns truncate
// the blob list and add a marker. Extraction failures from the backend are
// returned as errors and surface as a plugin failure on the unpack cell.
func (e *Engine) Unpack(ctx context.Context, obj *schemas.AnalysisObject, budget Budget) (*Outcome, error) {
	backend, ok := e.Detect(obj.Payload)
	if !ok {
		return &Outcome{}, nil
	}
	out := &Outcome{Format: backend.Name()}

	if budget.Depth >= e.cfg.MaxDepth {
		e.logger.Debug("Depth budget exhausted, skipping extraction",
			zap.String("uid", obj.UID.Short()),
			zap.Int("depth", budget.Depth))
		out.Markers = append(out.Markers, MarkerDepthLimit)
		return out, nil
	}

	blobs, err := backend.Extract(ctx, obj.Payload)
	if err != nil {
		if !errors.Is(err, errDecodeCap) {
			return nil, fmt.Errorf("backend %q failed to extract %s: %w", backend.Name(), obj.UID.Short(), err)
		}
		e.logger.Debug("Decode cap hit, truncating extraction",
			zap.String("uid", obj.UID.Short()),
			zap.String("format", out.Format))
		out.Markers = append(out.Markers, MarkerByteLimit)
	}

	bytesUsed := budget.BytesExtracted
	children := budget.Children
	for _, blob := range blobs {
		if len(blob.Data) == 0 {
			continue
		}
		if children >= e.cfg.MaxChildrenPerChain {
			out.Markers = append(out.Markers, MarkerChildLimit)
			break
		}
		if bytesUsed+int64(len(blob.Data)) > e.cfg.MaxExtractedBytes {
			out.Markers = append(out.Markers, MarkerByteLimit)
			break
		}
		bytesUsed += int64(len(blob.Data))
		children++
		out.Blobs = append(out.Blobs, blob)
	}

	e.logger.Debug("Extraction finished",
		zap.String("uid", obj.UID.Short()),
		zap.String("format", out.Format),
		zap.Int("children", len(out.Blobs)),
		zap.Strings("markers", out.Markers))
	return out, nil
}
