package plugins

import (
	"go.uber.org/zap"

	"github.com/bitsurgeon/firmlens/api/schemas"
	"github.com/bitsurgeon/firmlens/internal/config"
	"github.com/bitsurgeon/firmlens/internal/registry"
	"github.com/bitsurgeon/firmlens/internal/unpacker"
)

// RegisterBuiltins registers the built-in plugin set and seals the registry.
// Registration order is the deterministic tie-break for plan ordering, so it
// is fixed here.
func RegisterBuiltins(r *registry.Registry, cfg config.UnpackerConfig, logger *zap.Logger) error {
	engine := unpacker.NewDefaultEngine(cfg, logger)

	all := []schemas.Plugin{
		NewFileTypePlugin(),
		NewHashesPlugin(),
		NewUnpackPlugin(engine),
		NewStringsPlugin(),
		NewEntropyPlugin(),
	}
	for _, p := range all {
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return r.Build()
}
