// Package chain models the per-path revision history: a DAG of revisions
// connected by parent ids, from which the current head(s) and conflict state
// are derived. The model classifies forks; it never merges them.
package chain

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/mailfile/mailfile/internal/wire"
)

// Chain is the set of revisions observed for one path. Insertion order does
// not affect any derived result.
type Chain struct {
	revs     map[string]*wire.Revision
	children map[string]mapset.Set[string]
}

func New() *Chain {
	return &Chain{
		revs:     make(map[string]*wire.Revision),
		children: make(map[string]mapset.Set[string]),
	}
}

// Add inserts a revision. Adding the same revision id twice is a no-op, so a
// rescan can feed duplicates safely.
func (c *Chain) Add(rev *wire.Revision) {
	if _, ok := c.revs[rev.ID]; ok {
		return
	}
	c.revs[rev.ID] = rev
	for _, parent := range rev.Parents {
		set, ok := c.children[parent]
		if !ok {
			set = mapset.NewThreadUnsafeSet[string]()
			c.children[parent] = set
		}
		set.Add(rev.ID)
	}
}

func (c *Chain) Len() int { return len(c.revs) }

func (c *Chain) Get(id string) (*wire.Revision, bool) {
	rev, ok := c.revs[id]
	return rev, ok
}

// Heads returns the ids of revisions with no child in the set, sorted for
// determinism. A parent referenced by some revision but absent from the set
// (for example garbage collected) is not a head.
func (c *Chain) Heads() []string {
	heads := make([]string, 0, 1)
	for id := range c.revs {
		set, ok := c.children[id]
		if !ok || set.Cardinality() == 0 {
			heads = append(heads, id)
		}
	}
	sort.Strings(heads)
	return heads
}

// Conflicted reports whether the path has forked: more than one head means
// two writers produced revisions with neither descending from the other.
func (c *Chain) Conflicted() bool {
	return len(c.Heads()) > 1
}

// Head returns the unique current head, or false when the chain is empty or
// conflicted.
func (c *Chain) Head() (*wire.Revision, bool) {
	heads := c.Heads()
	if len(heads) != 1 {
		return nil, false
	}
	return c.revs[heads[0]], true
}

// Ancestors returns every revision id reachable from id through parent links
// within the set, excluding id itself. Breadth first from id, deduplicated.
func (c *Chain) Ancestors(id string) []string {
	seen := mapset.NewThreadUnsafeSet[string]()
	var out []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		rev, ok := c.revs[cur]
		if !ok {
			continue
		}
		for _, parent := range rev.Parents {
			if seen.Add(parent) {
				if _, present := c.revs[parent]; present {
					out = append(out, parent)
				}
				queue = append(queue, parent)
			}
		}
	}
	return out
}

// IsAncestor reports whether a is an ancestor of b.
func (c *Chain) IsAncestor(a, b string) bool {
	for _, id := range c.Ancestors(b) {
		if id == a {
			return true
		}
	}
	return false
}

// Revisions returns all revisions sorted by id.
func (c *Chain) Revisions() []*wire.Revision {
	out := make([]*wire.Revision, 0, len(c.revs))
	for _, rev := range c.revs {
		out = append(out, rev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
