package guide

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zboralski/drover/internal/log"
)

// EmulateRange emulates from start, letting control flow run free. The
// run stops when end is fetched (0 means the end of start's function),
// when the run returns from the function it began in, or when the
// instruction cap is hit. Calls are stepped over by default, through the
// shim layer when the callee matches one.
func (h *Helper) EmulateRange(start, end uint64, opts ...RunOption) (*Context, error) {
	c := newRunConfig(opts)
	ctx := h.newContext(c)
	ctx.EndAddr = end

	until := end
	if h.DB != nil {
		if fn, ok := h.DB.FunctionAt(start); ok {
			ctx.Func = fn
			ctx.FuncStart = fn.Start
			until = fn.End
		}
	}
	if until == 0 {
		return nil, fmt.Errorf("no function at %#x and no end address", start)
	}

	if err := h.prepContext(c); err != nil {
		return nil, err
	}
	h.installHooks(ctx, h.rangeHook(ctx))
	if err := h.CPU.Start(start, until, c.count); err != nil {
		log.L.Run("emulation stopped", log.Addr(start), zap.Error(err))
	}
	return ctx, nil
}

// EmulateFunction emulates the function starting at addr to its end.
func (h *Helper) EmulateFunction(addr uint64, opts ...RunOption) (*Context, error) {
	return h.EmulateRange(addr, 0, opts...)
}

// EmulateBytes maps code at a fresh base address and emulates it to its
// end. No program database backs the bytes, so calls and returns execute
// as the code dictates.
func (h *Helper) EmulateBytes(code []byte, opts ...RunOption) (*Context, error) {
	if len(code) == 0 {
		return nil, fmt.Errorf("no code to emulate")
	}
	c := newRunConfig(opts)
	base, err := h.Mem.AllocAt(c.baseAddr, uint64(len(code)))
	if err != nil {
		return nil, fmt.Errorf("map code: %w", err)
	}
	if err := h.CPU.MemWrite(base, code); err != nil {
		return nil, fmt.Errorf("write code: %w", err)
	}

	ctx := h.newContext(c)
	ctx.EndAddr = base + uint64(len(code))
	if err := h.prepContext(c); err != nil {
		return nil, err
	}
	h.installHooks(ctx, h.bytesHook(ctx))
	if err := h.CPU.Start(base, ctx.EndAddr, c.count); err != nil {
		log.L.Run("emulation stopped", log.Addr(base), zap.Error(err))
	}
	return ctx, nil
}

// rangeHook is the engine hook for free-range runs: it honors the end
// address, guards against drift into null memory, stops on return from
// the starting function, and applies the call policy.
func (h *Helper) rangeHook(ctx *Context) func(addr uint64, size uint32) {
	return func(addr uint64, size uint32) {
		defer func() {
			if rec := recover(); rec != nil {
				log.L.Warn("range hook panicked", log.Addr(addr), zap.Any("panic", rec))
				h.stopRun(ctx)
			}
		}()
		ctx.CurrAddr = addr
		ctx.CurrSize = size

		if ctx.EndAddr != 0 && addr == ctx.EndAddr {
			h.stopRun(ctx)
			return
		}
		if h.isBadBranch(addr) {
			log.L.Insn(addr, "bad branch, stepping over")
			h.skipInstruction(ctx)
			return
		}
		if h.inNullMemory(addr, uint64(size)) {
			log.L.Insn(addr, "pc in null memory, stopping")
			h.stopRun(ctx)
			return
		}
		if h.DB == nil {
			return
		}

		if h.DB.IsRet(addr) {
			if fn, ok := h.DB.FunctionAt(addr); ok && fn.Start == ctx.FuncStart {
				h.stopRun(ctx)
			}
			return
		}

		if h.DB.IsCall(addr) {
			name := h.callName(addr)
			if ctx.CallHook != nil {
				ctx.CallHook(h, ctx, addr, h.Argv(), name)
			}
			if pc := h.CPU.RegRead("pc"); pc != addr {
				if ctx.Func != nil {
					h.CPU.RegWrite("sp", h.CPU.RegRead("sp")+uint64(ctx.Func.StackDelta(pc)))
				}
				return
			}
			if ctx.HookAPIs && h.handleShims(ctx, name) {
				return
			}
			if ctx.SkipCalls {
				h.skipInstruction(ctx)
				return
			}
			// Follow mode still cannot execute an unloaded destination,
			// recognizable as pointer-sized zeros.
			if t, ok := h.DB.BranchTarget(addr); ok {
				if h.inNullMemory(t, uint64(h.CPU.Arch().PointerSize())) {
					h.skipInstruction(ctx)
				}
			}
		}
	}
}

// bytesHook is the minimal engine hook for raw buffers: stop at the end
// address or on drift into null memory.
func (h *Helper) bytesHook(ctx *Context) func(addr uint64, size uint32) {
	return func(addr uint64, size uint32) {
		ctx.CurrAddr = addr
		ctx.CurrSize = size
		if ctx.EndAddr != 0 && addr == ctx.EndAddr {
			h.stopRun(ctx)
			return
		}
		if h.inNullMemory(addr, 0x10) {
			log.L.Insn(addr, "pc in null memory, stopping")
			h.stopRun(ctx)
		}
	}
}
