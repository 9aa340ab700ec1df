// Package federation implements the Federation Orchestrator: fanning a
// request out to every server a user's session touches, walking each
// response to virtualize IDs, and merging the per-server results by
// round-robin interleaving rather than naive concatenation. Grounded on
// api/handler/media_views.go's aggregatePagedItemsFn, redesigned from
// concatenate-then-sort into the deterministic interleave the federation
// model requires, with golang.org/x/sync/errgroup replacing the hand-rolled
// sync.WaitGroup fan-out.
package federation

import (
	"context"
	"encoding/json"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Source is one server a request fans out to, in the order its results
// should be interleaved.
type Source struct {
	ServerID   string
	ServerName string
}

// Fetcher executes the request against one Source and returns the raw
// Items array it reported, already ID-virtualized and display-rewritten by
// the caller's per-item callback. A non-nil error marks that source as
// failed; the orchestrator logs it and continues with the rest.
type Fetcher func(ctx context.Context, src Source) ([]json.RawMessage, error)

// Result is the merged outcome of fanning a request out across sources.
type Result struct {
	Items      []json.RawMessage
	TotalCount int
	// Failed lists the sources whose fetch returned an error, for callers
	// that want to surface partial-federation warnings.
	Failed []Source
}

// Fan executes fetch concurrently against every source and merges the
// results by round-robin interleaving: item 0 from source 0, item 0 from
// source 1, ..., item 1 from source 0, and so on. Each source's own
// internal ordering is preserved. A source that errors contributes no
// items and is recorded in Result.Failed; it never aborts the others.
func Fan(ctx context.Context, sources []Source, fetch Fetcher) Result {
	perSource := make([][]json.RawMessage, len(sources))
	errs := make([]error, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			items, err := fetch(gctx, src)
			if err != nil {
				errs[i] = err
				slog.Warn("federation: source failed", "server", src.ServerName, "error", err)
				return nil // per-source errors never cancel the group
			}
			perSource[i] = items
			return nil
		})
	}
	_ = g.Wait()

	var failed []Source
	for i, err := range errs {
		if err != nil {
			failed = append(failed, sources[i])
		}
	}

	merged := Interleave(perSource)
	return Result{
		Items:      merged,
		TotalCount: len(merged),
		Failed:     failed,
	}
}

// Interleave merges per-source slices round-robin: all sources' item at
// position 0, then all sources' item at position 1, and so on, skipping
// sources that have been exhausted. This is the spec's stable deterministic
// merge — equivalent results across calls given equivalent per-source
// ordering, unlike a sort over combined heterogeneous items.
func Interleave(perSource [][]json.RawMessage) []json.RawMessage {
	maxLen := 0
	for _, s := range perSource {
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}

	out := make([]json.RawMessage, 0, sumLens(perSource))
	for i := 0; i < maxLen; i++ {
		for _, s := range perSource {
			if i < len(s) {
				out = append(out, s[i])
			}
		}
	}
	return out
}

func sumLens(perSource [][]json.RawMessage) int {
	n := 0
	for _, s := range perSource {
		n += len(s)
	}
	return n
}
