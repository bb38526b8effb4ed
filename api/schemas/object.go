package schemas

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// UID is the content-addressed identity of an AnalysisObject. It is a pure
// function of the payload bytes: "<sha256 hex>_<size>". Two payloads with
// identical bytes always map to the same UID, which is what makes structural
// sharing across parents possible.
type UID string

// NewUID computes the UID for a payload.
func NewUID(payload []byte) UID {
	sum := sha256.Sum256(payload)
	return UID(hex.EncodeToString(sum[:]) + "_" + strconv.Itoa(len(payload)))
}

// Short returns a truncated form suitable for log fields.
func (u UID) Short() string {
	s := string(u)
	if i := strings.IndexByte(s, '_'); i > 12 {
		return s[:12]
	}
	return s
}

// Valid reports whether the UID has the expected "<hex>_<size>" shape.
func (u UID) Valid() bool {
	hash, size, ok := strings.Cut(string(u), "_")
	if !ok || len(hash) != sha256.Size*2 {
		return false
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return false
	}
	n, err := strconv.ParseInt(size, 10, 64)
	return err == nil && n >= 0
}

// RootMetadata describes a firmware image as submitted by a caller. It is
// present only on root objects; unpacked children are identified purely by
// content and their parent edges.
type RootMetadata struct {
	Vendor      string `json:"vendor"`
	DeviceName  string `json:"device_name"`
	DeviceClass string `json:"device_class,omitempty"`
	Version     string `json:"version,omitempty"`
	ReleaseDate string `json:"release_date,omitempty"`
}

// AnalysisObject is one node of the content-addressed object graph. Objects
// are created on first encounter (root submission or unpacking discovery) and
// shared between all parents that contain the same bytes. Edges are stored as
// UID relations, never as pointers, so diamond sharing and self-referential
// containers cannot form ownership cycles.
//
// The object store owns the payload and all mutation of edges; the scheduler
// guarantees at most one in-flight execution per (object, plugin) cell.
type AnalysisObject struct {
	UID  UID   `json:"uid"`
	Size int64 `json:"size"`

	// Payload holds the raw bytes while the object is in flight. Stores may
	// drop it after persisting and reload on demand.
	Payload []byte `json:"-"`

	// Parents maps each parent UID to the virtual paths at which this object
	// appears inside that parent. A child reachable along several paths of
	// the same parent keeps every path.
	Parents map[UID][]string `json:"parents,omitempty"`

	// Children lists the UIDs extracted out of this object.
	Children []UID `json:"children,omitempty"`

	// Results maps plugin name to the outcome of its last execution.
	Results map[string]*AnalysisResult `json:"results,omitempty"`

	// Root is set only on caller-submitted objects.
	Root *RootMetadata `json:"root,omitempty"`

	// UnpackMarkers records non-fatal unpacking conditions (limit exceeded,
	// self-referential branch). Analysis of already-produced children
	// continues regardless.
	UnpackMarkers []string `json:"unpack_markers,omitempty"`

	// Depth is the unpacking depth at first discovery; roots are at 0.
	Depth int `json:"depth"`
}

// NewAnalysisObject builds an object for a payload, computing its UID.
func NewAnalysisObject(payload []byte) *AnalysisObject {
	return &AnalysisObject{
		UID:     NewUID(payload),
		Size:    int64(len(payload)),
		Payload: payload,
		Parents: make(map[UID][]string),
		Results: make(map[string]*AnalysisResult),
	}
}

// AddParent records a parent edge at the given virtual path. Duplicate
// (parent, path) pairs collapse to one entry.
func (o *AnalysisObject) AddParent(parent UID, virtualPath string) {
	if o.Parents == nil {
		o.Parents = make(map[UID][]string)
	}
	for _, p := range o.Parents[parent] {
		if p == virtualPath {
			return
		}
	}
	o.Parents[parent] = append(o.Parents[parent], virtualPath)
}

// AddChild records a child edge, keeping the list duplicate-free.
func (o *AnalysisObject) AddChild(child UID) {
	for _, c := range o.Children {
		if c == child {
			return
		}
	}
	o.Children = append(o.Children, child)
}

// AddUnpackMarker appends a marker unless the same marker is already present.
func (o *AnalysisObject) AddUnpackMarker(marker string) {
	for _, m := range o.UnpackMarkers {
		if m == marker {
			return
		}
	}
	o.UnpackMarkers = append(o.UnpackMarkers, marker)
}

func (o *AnalysisObject) String() string {
	return fmt.Sprintf("object(%s, %d bytes, depth %d)", o.UID.Short(), o.Size, o.Depth)
}
