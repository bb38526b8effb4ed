package schemas

import "time"

// WorkStatus is the lifecycle of one (object, plugin) cell. Pending cells
// wait on dependencies, Ready cells sit in the scheduler queue, and the last
// three states are terminal.
type WorkStatus string

const (
	StatusPending WorkStatus = "pending"
	StatusReady   WorkStatus = "ready"
	StatusRunning WorkStatus = "running"
	StatusDone    WorkStatus = "done"
	StatusFailed  WorkStatus = "failed"
	StatusSkipped WorkStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s WorkStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusSkipped
}

// ExtractedBlob is one child produced by an unpacking-capable plugin: the
// virtual path inside the parent plus the raw bytes. Blobs travel back to the
// scheduler inside the AnalysisResult; plugins never enqueue work themselves.
type ExtractedBlob struct {
	VirtualPath string
	Data        []byte
}

// AnalysisResult is the outcome of running one plugin against one object.
// Exactly one of Payload or Error carries the substance; SkipReason is set
// when the cell was never dispatched because a dependency failed or the
// plugin's applicability filter rejected the object.
type AnalysisResult struct {
	Plugin        string         `json:"plugin"`
	PluginVersion string         `json:"plugin_version"`
	Payload       map[string]any `json:"payload,omitempty"`
	Summary       []string       `json:"summary,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	AnalyzedAt    time.Time      `json:"analyzed_at"`
	Error         string         `json:"error,omitempty"`
	SkipReason    string         `json:"skip_reason,omitempty"`

	// UnpackMarkers lists limits that truncated extraction, if any. The
	// scheduler copies them onto the object as unpack markers.
	UnpackMarkers []string `json:"unpack_markers,omitempty"`

	// Extracted is the transient return channel for unpacking plugins. The
	// scheduler consumes it when folding children into the run; it is never
	// persisted.
	Extracted []ExtractedBlob `json:"-"`
}

// Ok reports whether the result represents a successful execution.
func (r *AnalysisResult) Ok() bool {
	return r != nil && r.Error == "" && r.SkipReason == ""
}
