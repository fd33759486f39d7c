// Package cfg discovers block paths through a function's control-flow
// graph: every simple path from entry to a target address, or just the
// first one found. Loops are never unrolled; a repeated block ends the
// candidate path exactly like a returning block does, so discovered paths
// never contain a block twice. Downstream forced execution depends on that.
package cfg

import (
	"fmt"
	"strings"
	"sync"

	"github.com/zboralski/drover/internal/program"
)

// Extent is the address range of one block inside a Flow snapshot.
type Extent struct {
	Start uint64
	End   uint64
}

// Flow is an immutable snapshot of a function's flow graph, block id to
// address range. Captured once per function and safe to keep across runs.
type Flow map[int]Extent

// Explorer runs depth-first path discovery. The full path set of a
// function is memoized by entry address; the static graph never changes
// within an analysis session, so cached results are reused and re-filtered
// per target.
type Explorer struct {
	mu    sync.Mutex
	cache map[uint64][][]int
}

// NewExplorer creates an Explorer with an empty memo.
func NewExplorer() *Explorer {
	return &Explorer{cache: make(map[uint64][][]int)}
}

// Snapshot captures the flow graph of fn.
func Snapshot(fn *program.Function) Flow {
	flow := make(Flow, len(fn.Blocks))
	for _, b := range fn.Blocks {
		flow[b.ID] = Extent{Start: b.Start, End: b.End}
	}
	return flow
}

// AllPaths returns up to maxPaths deduplicated block paths from fn's entry
// to the block containing target. A function with no internal branches
// yields an empty list: straight-line emulation needs no guidance.
func (e *Explorer) AllPaths(fn *program.Function, target uint64, maxPaths int) (Flow, [][]int) {
	flow := Snapshot(fn)
	tb := fn.BlockAt(target)
	if tb == nil {
		return flow, nil
	}
	if branchless(fn) {
		return flow, nil
	}

	e.mu.Lock()
	paths, ok := e.cache[fn.Start]
	e.mu.Unlock()
	if !ok {
		s := search{fn: fn, target: -1}
		s.visit(fn.EntryBlock())
		paths = s.done
		e.mu.Lock()
		e.cache[fn.Start] = paths
		e.mu.Unlock()
	}

	var out [][]int
	seen := make(map[string]bool)
	for _, p := range paths {
		idx := indexOf(p, tb.ID)
		if idx < 0 {
			continue
		}
		trunc := append([]int(nil), p[:idx+1]...)
		key := pathKey(trunc)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, trunc)
		if maxPaths > 0 && len(out) >= maxPaths {
			break
		}
	}
	return flow, out
}

// FirstPath returns the first path found from fn's entry to the block
// containing target, without caching. Cheaper than AllPaths when a single
// path suffices.
func (e *Explorer) FirstPath(fn *program.Function, target uint64) (Flow, []int, bool) {
	flow := Snapshot(fn)
	tb := fn.BlockAt(target)
	if tb == nil {
		return flow, nil, false
	}
	s := search{fn: fn, target: tb.ID}
	if s.visit(fn.EntryBlock()) {
		return flow, s.found, true
	}
	return flow, nil, false
}

// search holds the in-progress path stack and completed-path accumulator
// for one exploration. Nothing outlives a single call.
type search struct {
	fn     *program.Function
	target int // -1 explores exhaustively
	cur    []int
	done   [][]int
	found  []int
}

// visit returns true once the target block is reached, ending the search.
func (s *search) visit(b *program.BasicBlock) bool {
	if s.target >= 0 && b.ID == s.target {
		s.found = append(append([]int(nil), s.cur...), b.ID)
		return true
	}

	// A repeated block is a dead end: snapshot the path so far, do not
	// unroll.
	if indexOf(s.cur, b.ID) >= 0 {
		s.done = append(s.done, append([]int(nil), s.cur...))
		return false
	}

	s.cur = append(s.cur, b.ID)

	if s.fn.Terminating(b) {
		s.done = append(s.done, append([]int(nil), s.cur...))
		s.cur = s.cur[:len(s.cur)-1]
		return false
	}

	for _, id := range b.Succs {
		if s.visit(s.fn.Block(id)) {
			return true
		}
	}
	s.cur = s.cur[:len(s.cur)-1]
	return false
}

func branchless(fn *program.Function) bool {
	for _, b := range fn.Blocks {
		if len(b.Succs) > 1 {
			return false
		}
	}
	return true
}

func indexOf(path []int, id int) int {
	for i, v := range path {
		if v == id {
			return i
		}
	}
	return -1
}

func pathKey(path []int) string {
	var sb strings.Builder
	for i, id := range path {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%d", id)
	}
	return sb.String()
}
