// Package aggregator rolls analysis results of an object tree up to its
// root: the union of descendant tags, per-plugin summaries mapped back to
// the objects that produced them, and the unpack markers seen along the way.
// It only reads the store; a roll-up never mutates the graph.
package aggregator

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/bitsurgeon/firmlens/api/schemas"
)

// RollUp is the aggregate view of one root's tree.
type RollUp struct {
	Root        schemas.UID `json:"root"`
	ObjectCount int         `json:"object_count"`

	// Tags is the sorted, deduplicated union of all result tags in the tree.
	Tags []string `json:"tags,omitempty"`

	// Summaries maps plugin -> summary line -> the objects it applies to.
	// Object lists are sorted by UID.
	Summaries map[string]map[string][]schemas.UID `json:"summaries,omitempty"`

	// UnpackMarkers is the sorted union of truncation markers in the tree.
	UnpackMarkers []string `json:"unpack_markers,omitempty"`

	// StatusCounts tallies persisted result states across all (object,
	// plugin) pairs in the tree.
	StatusCounts map[schemas.WorkStatus]int `json:"status_counts,omitempty"`
}

// Aggregator computes roll-ups over a persisted object graph.
type Aggregator struct {
	store  schemas.ObjectStore
	logger *zap.Logger
}

// New creates an aggregator over a store.
func New(store schemas.ObjectStore, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: store, logger: logger.Named("aggregator")}
}

// RollUp walks the tree under root breadth-first and merges every persisted
// result into one view. Shared children are visited once; self-referential
// edges cannot loop because visited objects are never re-entered.
func (a *Aggregator) RollUp(ctx context.Context, root schemas.UID) (*RollUp, error) {
	out := &RollUp{
		Root:         root,
		Summaries:    make(map[string]map[string][]schemas.UID),
		StatusCounts: make(map[schemas.WorkStatus]int),
	}
	tags := make(map[string]bool)
	markers := make(map[string]bool)

	visited := make(map[schemas.UID]bool)
	queue := []schemas.UID{root}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		uid := queue[0]
		queue = queue[1:]
		if visited[uid] {
			continue
		}
		visited[uid] = true

		obj, err := a.store.Get(ctx, uid)
		if err != nil {
			if uid == root {
				return nil, fmt.Errorf("loading root %s: %w", root.Short(), err)
			}
			// A missing child means a partially persisted subtree; the
			// roll-up covers what is there.
			a.logger.Warn("Skipping unreadable object in roll-up",
				zap.String("uid", uid.Short()), zap.Error(err))
			continue
		}
		out.ObjectCount++

		for _, m := range obj.UnpackMarkers {
			markers[m] = true
		}
		for plugin, res := range obj.Results {
			switch {
			case res.Error != "":
				out.StatusCounts[schemas.StatusFailed]++
			case res.SkipReason != "":
				out.StatusCounts[schemas.StatusSkipped]++
			default:
				out.StatusCounts[schemas.StatusDone]++
			}
			for _, tag := range res.Tags {
				tags[tag] = true
			}
			for _, line := range res.Summary {
				byLine := out.Summaries[plugin]
				if byLine == nil {
					byLine = make(map[string][]schemas.UID)
					out.Summaries[plugin] = byLine
				}
				byLine[line] = append(byLine[line], uid)
			}
		}
		queue = append(queue, obj.Children...)
	}

	out.Tags = sortedKeys(tags)
	out.UnpackMarkers = sortedKeys(markers)
	for _, byLine := range out.Summaries {
		for line := range byLine {
			uids := byLine[line]
			sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
		}
	}
	return out, nil
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
