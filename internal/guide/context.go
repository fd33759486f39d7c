// Package guide is the emulation engine proper: free-range emulation of
// address ranges and byte buffers, and forced execution that steers the
// program counter along discovered block paths to reach a target address
// regardless of what the sample's branch conditions would decide.
package guide

import (
	"github.com/google/uuid"

	"github.com/zboralski/drover/internal/cfg"
	"github.com/zboralski/drover/internal/program"
)

// TargetPaths is the path material for one forced-execution target: the
// flow snapshot of its function and every block path leading to it.
type TargetPaths struct {
	Flow  cfg.Flow
	Paths [][]int
}

// TargetHook runs when a forced run reaches a target address.
type TargetHook func(h *Helper, ctx *Context, addr uint64, argv []uint64)

// CallHook runs at every call instruction, before the engine decides to
// follow, shim, or skip it. Writing pc from the hook redirects the call.
type CallHook func(h *Helper, ctx *Context, addr uint64, argv []uint64, name string)

// InstructionHook runs before each emulated instruction, after the
// engine's own steering hook.
type InstructionHook func(h *Helper, ctx *Context, addr uint64, size uint32)

// MemAccessHook observes every emulated memory read and write.
type MemAccessHook func(h *Helper, ctx *Context, write bool, addr uint64, size int, value int64)

// PreRunHook runs before each emulation run, after registers and stack
// have been reset. Used to seed state per run.
type PreRunHook func(h *Helper, ctx *Context, start uint64)

// Context is the per-run state threaded through every hook. One Context
// covers a whole Iterate call; CurrAddr and the path cursor fields change
// as emulation proceeds.
type Context struct {
	// ID tags the run in logs.
	ID uuid.UUID

	// CurrAddr and CurrSize track the instruction being emulated.
	CurrAddr uint64
	CurrSize uint32

	// Func is the function being emulated, nil for raw byte buffers.
	Func      *program.Function
	FuncStart uint64

	// EndAddr stops a free-range run when fetched, 0 for none.
	EndAddr uint64

	SkipCalls bool
	HookAPIs  bool

	CallHook        CallHook
	InstructionHook InstructionHook
	MemAccessHook   MemAccessHook
	TargetHook      TargetHook

	// Forced-execution state: the pending targets, the one being driven
	// to, and the cursor into its current path.
	Targets      map[uint64]TargetPaths
	TargetAddr   uint64
	PathIdx      int
	BlockIdx     int
	EnteredBlock bool

	// Visited collects targets hit across the paths driven for the
	// current target.
	Visited []uint64

	// UserData is scratch space shared between a caller's hooks.
	UserData map[string]any
}

func (ctx *Context) visited(addr uint64) bool {
	for _, a := range ctx.Visited {
		if a == addr {
			return true
		}
	}
	return false
}

func (ctx *Context) markVisited(addr uint64) {
	if !ctx.visited(addr) {
		ctx.Visited = append(ctx.Visited, addr)
	}
}
