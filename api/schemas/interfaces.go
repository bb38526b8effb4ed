package schemas

import "context"

// -- Store Interface --

// ObjectStore is the persistence contract consumed by the scheduler and the
// unpacker. Implementations must make GetOrCreate atomic: two unpacking
// branches discovering the same UID in the same instant observe exactly one
// creation. This is the single required cross-branch synchronization point.
type ObjectStore interface {
	// GetOrCreate returns the object for uid, creating it from produce if it
	// does not exist yet. wasNew reports whether this call created it.
	GetOrCreate(ctx context.Context, uid UID, produce func() ([]byte, error)) (obj *AnalysisObject, wasNew bool, err error)
	// Get returns the object for uid or ErrObjectNotFound.
	Get(ctx context.Context, uid UID) (*AnalysisObject, error)
	// AddEdge records a parent/child relation at a virtual path. Both ends
	// must already exist.
	AddEdge(ctx context.Context, parent, child UID, virtualPath string) error
	// SetRootMetadata attaches caller-supplied metadata to a root object.
	SetRootMetadata(ctx context.Context, uid UID, meta *RootMetadata) error
	// AddUnpackMarker records a non-fatal unpacking condition on an object.
	AddUnpackMarker(ctx context.Context, uid UID, marker string) error
	// LoadResult returns the stored result for (uid, plugin) or
	// ErrResultNotFound.
	LoadResult(ctx context.Context, uid UID, plugin string) (*AnalysisResult, error)
	// StoreResult persists the result for (uid, plugin), replacing any
	// previous one.
	StoreResult(ctx context.Context, uid UID, plugin string, res *AnalysisResult) error
}

// -- Unpacking backend contract --

// UnpackBackend recognizes and extracts one container format. Detect must be
// cheap; Extract may be expensive and must honor ctx.
type UnpackBackend interface {
	// Name identifies the format (e.g. "tar", "zip").
	Name() string
	// Detect reports whether data looks like this backend's format.
	Detect(data []byte) bool
	// Extract returns the contained blobs with their virtual paths.
	Extract(ctx context.Context, data []byte) ([]ExtractedBlob, error)
}

// -- Caller-facing submission contract --

// Submitter is the surface the presentation layer talks to. Malformed
// submissions are rejected with a ValidationError before entering the
// pipeline.
type Submitter interface {
	// Submit admits a new root object with a requested plugin set and
	// returns its UID.
	Submit(ctx context.Context, binary []byte, requestedPlugins []string, meta *RootMetadata) (UID, error)
	// RequestUpdate forces re-execution of the named plugins (and all their
	// transitive dependents) on an already-known object.
	RequestUpdate(ctx context.Context, uid UID, pluginNamesToForce []string) error
	// Status returns the per-plugin state map for an object.
	Status(ctx context.Context, uid UID) (map[string]WorkStatus, error)
}
