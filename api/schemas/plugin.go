package schemas

import "context"

// Plugin is the contract every analysis plugin implements. Plugins are pure
// with respect to the scheduler: Process may not enqueue work or touch
// scheduler state. Unpacking-capable plugins hand extracted blobs back
// through AnalysisResult.Extracted.
type Plugin interface {
	// Name returns the unique registry name of the plugin.
	Name() string
	// Version identifies the plugin implementation; it is recorded on every
	// result and drives cache invalidation when it changes.
	Version() string
	// Dependencies lists plugin names whose results must be Done for an
	// object before Process runs on it.
	Dependencies() []string
	// Applies is an optional applicability filter. Objects it rejects get a
	// Skipped cell instead of an execution.
	Applies(obj *AnalysisObject) bool
	// Process analyzes the object. dependencyResults holds the Done results
	// of every declared dependency, keyed by plugin name.
	Process(ctx context.Context, obj *AnalysisObject, dependencyResults map[string]*AnalysisResult) (*AnalysisResult, error)
}

// PluginDescriptor is the registry's static view of a plugin.
type PluginDescriptor struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Dependencies []string `json:"dependencies,omitempty"`
}
