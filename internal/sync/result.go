package sync

import "sort"

// Failure pairs a path with the error that stopped its commit.
type Failure struct {
	Path string
	Err  error
}

// Result is the structured outcome of one Sync call. Partial conditions are
// reported here, never raised: a conflicted path is not an error, and a
// failed path simply stays queued for the next call.
type Result struct {
	// Committed paths now have their queued revision as (one) head.
	Committed []string
	// Conflicted paths need caller resolution: either the base was stale at
	// validation, or a concurrent writer forked the path between commit and
	// verification. In the latter case the revision was still appended and
	// is one side of the fork.
	Conflicted []string
	// Failed paths hit a transport error; they and everything queued after
	// them remain pending.
	Failed []Failure

	// CommittedIDs maps committed (and forked-after-commit) paths to the
	// appended revision id.
	CommittedIDs map[string]string
}

func newResult() *Result {
	return &Result{CommittedIDs: make(map[string]string)}
}

func (r *Result) sorted() *Result {
	sort.Strings(r.Committed)
	sort.Strings(r.Conflicted)
	sort.Slice(r.Failed, func(i, j int) bool { return r.Failed[i].Path < r.Failed[j].Path })
	return r
}

// Clean reports whether every queued change committed without conflict or
// failure.
func (r *Result) Clean() bool {
	return len(r.Conflicted) == 0 && len(r.Failed) == 0
}
