package guide

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/zboralski/drover/internal/log"
	"github.com/zboralski/drover/internal/program"
)

// Iterate force-executes to each target address: for every block path
// leading to a target, its function is emulated from entry with the
// program counter steered along the path, and hook fires with the
// machine state at the moment the target is reached. Targets are driven
// from highest address down, and targets hit on the way to another are
// retired without runs of their own.
func (h *Helper) Iterate(targets []uint64, hook TargetHook, opts ...RunOption) error {
	if h.DB == nil {
		return fmt.Errorf("forced execution needs a program database")
	}
	c := newRunConfig(opts)
	ctx := h.newContext(c)
	ctx.TargetHook = hook
	ctx.Targets = make(map[uint64]TargetPaths)
	funcs := make(map[uint64]*program.Function)

	for _, t := range targets {
		fn, ok := h.DB.FunctionAt(t)
		if !ok {
			log.L.Run("target outside any function", log.Target(t))
			continue
		}
		flow, paths := h.Explorer.AllPaths(fn, t, c.maxPaths)
		if len(paths) == 0 {
			// Branchless function: one straight shot is all there is.
			f, p, ok := h.Explorer.FirstPath(fn, t)
			if !ok {
				log.L.Run("no path to target", log.Target(t))
				continue
			}
			flow, paths = f, [][]int{p}
		}
		ctx.Targets[t] = TargetPaths{Flow: flow, Paths: paths}
		funcs[t] = fn
	}
	if len(ctx.Targets) == 0 {
		log.L.Run("no targets to iterate")
		return nil
	}

	h.installHooks(ctx, h.guidedHook(ctx))

	run := 1
	for len(ctx.Targets) > 0 {
		ctx.TargetAddr = highestTarget(ctx.Targets)
		tp := ctx.Targets[ctx.TargetAddr]
		fn := funcs[ctx.TargetAddr]
		ctx.Func = fn
		ctx.FuncStart = fn.Start
		log.L.Run("forced run",
			zap.Int("run", run),
			zap.Int("remaining", len(ctx.Targets)),
			log.Target(ctx.TargetAddr),
			zap.Int("paths", len(tp.Paths)),
		)
		ctx.Visited = nil
		for pathIdx := range tp.Paths {
			ctx.PathIdx = pathIdx
			ctx.BlockIdx = 0
			ctx.EnteredBlock = false
			if err := h.resetRun(c); err != nil {
				return err
			}
			if c.preRun != nil {
				c.preRun(h, ctx, fn.Start)
			}
			if err := h.CPU.Start(fn.Start, fn.End, c.count); err != nil {
				log.L.Run("emulation stopped", zap.Error(err), log.Target(ctx.TargetAddr))
			}
		}
		// The driven target retires only after every one of its paths has
		// run; targets hit en route retire alongside it. Retiring the
		// driven target even when no path reached it keeps the loop
		// finite.
		for _, a := range ctx.Visited {
			delete(ctx.Targets, a)
		}
		delete(ctx.Targets, ctx.TargetAddr)
		run++
	}
	return nil
}

// IterateCallers force-executes to every call site of the function at
// fnAddr. The classic use is an API the sample resolves dynamically: hook
// fires once per call site with the arguments the sample would pass.
func (h *Helper) IterateCallers(fnAddr uint64, hook TargetHook, opts ...RunOption) error {
	if h.DB == nil {
		return fmt.Errorf("forced execution needs a program database")
	}
	var sites []uint64
	for _, from := range h.DB.XrefsTo(fnAddr) {
		if _, ok := h.DB.FunctionAt(from); !ok {
			continue
		}
		if !h.DB.IsCall(from) {
			continue
		}
		sites = append(sites, from)
	}
	if len(sites) == 0 {
		log.L.Run("no call sites", log.Target(fnAddr))
		return nil
	}
	return h.Iterate(sites, hook, opts...)
}

// resetRun restores machine state between forced runs: all registers
// zeroed, the stack pointer back to its initial value, and optionally the
// whole address space rebuilt from the image.
func (h *Helper) resetRun(c *runConfig) error {
	if c.resetMem {
		sp, err := h.Mem.RebuildFromImage()
		if err != nil {
			return fmt.Errorf("reload image: %w", err)
		}
		h.stack = sp
	}
	for _, r := range h.CPU.RegNames() {
		h.CPU.RegWrite(r, 0)
	}
	h.CPU.RegWrite("sp", h.stack)
	return nil
}

func highestTarget(targets map[uint64]TargetPaths) uint64 {
	addrs := make([]uint64, 0, len(targets))
	for a := range targets {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] > addrs[j] })
	return addrs[0]
}

// guidedHook steers each forced run. Per instruction it keeps the program
// counter inside the current path block, forcing it to the next block's
// start whenever execution leaves the block or loops back into it, and
// fires target processing when a target address comes up. Calls are never
// followed; they are shimmed or stepped over with the stack corrected.
func (h *Helper) guidedHook(ctx *Context) func(addr uint64, size uint32) {
	return func(addr uint64, size uint32) {
		defer func() {
			if rec := recover(); rec != nil {
				log.L.Warn("guided hook panicked", log.Addr(addr), zap.Any("panic", rec))
				h.stopRun(ctx)
			}
		}()
		ctx.CurrAddr = addr
		ctx.CurrSize = size

		if h.isBadBranch(addr) {
			log.L.Insn(addr, "bad branch, stepping over")
			h.skipInstruction(ctx)
			return
		}

		tp := ctx.Targets[ctx.TargetAddr]
		path := tp.Paths[ctx.PathIdx]
		ext := tp.Flow[path[ctx.BlockIdx]]

		switch {
		case addr == ext.Start && ctx.EnteredBlock:
			// Looped back into the current block.
			if ctx.BlockIdx >= len(path)-1 {
				log.L.Insn(addr, "loop re-entry with no blocks left, abandoning run")
				h.stopRun(ctx)
				return
			}
			next := tp.Flow[path[ctx.BlockIdx+1]].Start
			log.L.Insn(addr, "loop re-entry, forcing next block", log.Target(next))
			h.CPU.RegWrite("pc", next)
			ctx.BlockIdx++
			ctx.EnteredBlock = false
			return
		case addr < ext.Start || addr >= ext.End:
			// Drifted out of the current block.
			if ctx.BlockIdx+1 >= len(path) {
				log.L.Insn(addr, "drifted past target, abandoning run")
				h.stopRun(ctx)
				return
			}
			next := tp.Flow[path[ctx.BlockIdx+1]].Start
			log.L.Insn(addr, "outside block, forcing next block", log.Target(next))
			h.CPU.RegWrite("pc", next)
			ctx.BlockIdx++
			ctx.EnteredBlock = false
			return
		}
		if addr == ext.Start {
			ctx.EnteredBlock = true
		}

		if h.DB.Mnemonic(addr) == "" {
			// Possibly data interleaved with code; bail only when the
			// next two slots do not decode either.
			if h.DB.Mnemonic(addr+uint64(size)) == "" && h.DB.Mnemonic(addr+uint64(size)*2) == "" {
				log.L.Insn(addr, "undecodable instruction, abandoning run")
				h.stopRun(ctx)
			}
			return
		}

		if h.inNullMemory(addr, 0x10) {
			log.L.Insn(addr, "pc in null memory, abandoning run")
			h.stopRun(ctx)
			return
		}

		if addr == ctx.TargetAddr {
			log.L.Run("target hit", log.Target(addr))
			h.targetHit(ctx, addr)
			h.stopRun(ctx)
			// fall through: writing pc below would undo the stop
		} else if _, ok := ctx.Targets[addr]; ok && !ctx.visited(addr) {
			log.L.Run("secondary target hit en route", log.Target(addr))
			h.targetHit(ctx, addr)
		}

		if h.DB.IsCall(addr) {
			name := h.callName(addr)
			if ctx.CallHook != nil {
				ctx.CallHook(h, ctx, addr, h.Argv(), name)
			}
			if pc := h.CPU.RegRead("pc"); pc != addr {
				// The hook redirected the call; correct the stack for
				// the new destination instead of skipping.
				h.CPU.RegWrite("sp", h.CPU.RegRead("sp")+uint64(ctx.Func.StackDelta(pc)))
				return
			}
			if ctx.HookAPIs && h.handleShims(ctx, name) {
				return
			}
			if addr != ctx.TargetAddr {
				h.skipInstruction(ctx)
			}
		} else if h.DB.IsRet(addr) {
			// Steering owns control flow; returns are stepped over.
			h.skipInstruction(ctx)
		}
	}
}
