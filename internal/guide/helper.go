package guide

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zboralski/drover/internal/cfg"
	"github.com/zboralski/drover/internal/emulator"
	"github.com/zboralski/drover/internal/log"
	"github.com/zboralski/drover/internal/memory"
	"github.com/zboralski/drover/internal/program"
	"github.com/zboralski/drover/internal/shims"
)

// Helper owns a CPU, the program image mapped into it, and the supporting
// layers emulation needs. One Helper drives one sample; runs reuse it.
type Helper struct {
	CPU      emulator.CPU
	DB       *program.Database
	Mem      *memory.Manager
	Shims    *shims.Registry
	Explorer *cfg.Explorer

	// stack is the initial stack pointer restored before each run.
	stack uint64
}

// New creates a Helper for db: a CPU of the right architecture with the
// image mapped and a stack built.
func New(db *program.Database) (*Helper, error) {
	cpu, err := emulator.NewUnicorn(db.Arch)
	if err != nil {
		return nil, fmt.Errorf("create cpu: %w", err)
	}
	h := &Helper{
		CPU:      cpu,
		DB:       db,
		Mem:      memory.NewManager(cpu, db),
		Shims:    shims.NewRegistry(),
		Explorer: cfg.NewExplorer(),
	}
	if _, err := h.Mem.MapImage(); err != nil {
		cpu.Close()
		return nil, err
	}
	sp, err := h.Mem.BuildStack()
	if err != nil {
		cpu.Close()
		return nil, err
	}
	h.stack = sp
	return h, nil
}

// NewRaw creates a Helper with no program image, for emulating loose byte
// buffers.
func NewRaw(arch emulator.Arch) (*Helper, error) {
	cpu, err := emulator.NewUnicorn(arch)
	if err != nil {
		return nil, fmt.Errorf("create cpu: %w", err)
	}
	h := &Helper{
		CPU:      cpu,
		Mem:      memory.NewManager(cpu, nil),
		Shims:    shims.NewRegistry(),
		Explorer: cfg.NewExplorer(),
	}
	sp, err := h.Mem.BuildStack()
	if err != nil {
		cpu.Close()
		return nil, err
	}
	h.stack = sp
	return h, nil
}

// Close releases the CPU.
func (h *Helper) Close() error {
	return h.CPU.Close()
}

// Value seeds a register or stack slot: either a number used as is, or a
// string that gets written into fresh memory with its address used
// instead.
type Value struct {
	num uint64
	str string
	ptr bool
}

// Num seeds a plain numeric value.
func Num(v uint64) Value { return Value{num: v} }

// Str seeds a NUL-terminated string, passed by address.
func Str(s string) Value { return Value{str: s, ptr: true} }

func (h *Helper) resolveValue(v Value) (uint64, error) {
	if !v.ptr {
		return v.num, nil
	}
	return h.Mem.LoadBytes(append([]byte(v.str), 0))
}

type runConfig struct {
	registers map[string]Value
	stack     []Value
	callHook  CallHook
	instrHook InstructionHook
	memHook   MemAccessHook
	preRun    PreRunHook
	userData  map[string]any
	skipCalls bool
	hookAPIs  bool
	count     uint64
	resetMem  bool
	maxPaths  int
	baseAddr  uint64
}

func newRunConfig(opts []RunOption) *runConfig {
	c := &runConfig{
		registers: make(map[string]Value),
		skipCalls: true,
		hookAPIs:  true,
		baseAddr:  0x400000,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RunOption adjusts one emulation call.
type RunOption func(*runConfig)

// WithRegister seeds a register before the run.
func WithRegister(name string, v Value) RunOption {
	return func(c *runConfig) { c.registers[strings.ToLower(name)] = v }
}

// WithStack seeds stack slots, starting at the initial stack pointer.
func WithStack(vals ...Value) RunOption {
	return func(c *runConfig) { c.stack = vals }
}

// WithCallHook observes and optionally redirects call instructions.
func WithCallHook(fn CallHook) RunOption {
	return func(c *runConfig) { c.callHook = fn }
}

// WithInstructionHook runs fn before every instruction.
func WithInstructionHook(fn InstructionHook) RunOption {
	return func(c *runConfig) { c.instrHook = fn }
}

// WithMemAccessHook observes every memory access.
func WithMemAccessHook(fn MemAccessHook) RunOption {
	return func(c *runConfig) { c.memHook = fn }
}

// WithPreRun runs fn before each emulation run.
func WithPreRun(fn PreRunHook) RunOption {
	return func(c *runConfig) { c.preRun = fn }
}

// WithUserData makes data available to hooks via Context.UserData.
func WithUserData(data map[string]any) RunOption {
	return func(c *runConfig) { c.userData = data }
}

// WithFollowCalls emulates into called functions instead of skipping
// them. Free-range only; forced runs always skip.
func WithFollowCalls() RunOption {
	return func(c *runConfig) { c.skipCalls = false }
}

// WithoutShims disables the runtime shim layer for the run.
func WithoutShims() RunOption {
	return func(c *runConfig) { c.hookAPIs = false }
}

// WithCount caps the number of emulated instructions.
func WithCount(n uint64) RunOption {
	return func(c *runConfig) { c.count = n }
}

// WithMemReset unmaps everything and remaps the image before each forced
// run, so runs cannot contaminate each other through memory.
func WithMemReset() RunOption {
	return func(c *runConfig) { c.resetMem = true }
}

// WithMaxPaths caps the paths explored per target.
func WithMaxPaths(n int) RunOption {
	return func(c *runConfig) { c.maxPaths = n }
}

// WithBaseAddr places a byte buffer at addr instead of the default.
func WithBaseAddr(addr uint64) RunOption {
	return func(c *runConfig) { c.baseAddr = addr }
}

// host exposes emulated state to the shim layer.
func (h *Helper) host() *shims.Host {
	abi := program.ABISysV
	if h.DB != nil {
		abi = h.DB.ABI
	}
	return &shims.Host{CPU: h.CPU, Mem: h.Mem, ABI: abi}
}

// Argv returns the register arguments at the current point, per the
// calling convention.
func (h *Helper) Argv() []uint64 {
	hs := h.host()
	n := 8
	if h.CPU.Arch() == emulator.X86_64 {
		n = 6
		if hs.ABI == program.ABIWin64 {
			n = 4
		}
	}
	argv := make([]uint64, n)
	for i := range argv {
		argv[i] = hs.Arg(i)
	}
	return argv
}

// ReadCString reads the NUL-terminated string at ptr from emulated
// memory.
func (h *Helper) ReadCString(ptr uint64) string {
	return h.host().ReadCString(ptr)
}

// ReadWString reads the UTF-16LE string at ptr from emulated memory.
func (h *Helper) ReadWString(ptr uint64) string {
	u := h.host().ReadWString(ptr)
	buf := make([]rune, 0, len(u))
	for _, c := range u {
		buf = append(buf, rune(c))
	}
	return string(buf)
}

// StateString formats the register file for debugging.
func (h *Helper) StateString() string {
	names := h.CPU.RegNames()
	sort.Strings(names)
	var sb strings.Builder
	for i, n := range names {
		if i > 0 {
			if i%4 == 0 {
				sb.WriteByte('\n')
			} else {
				sb.WriteByte('\t')
			}
		}
		fmt.Fprintf(&sb, "%s: %016x", n, h.CPU.RegRead(n))
	}
	return sb.String()
}

// prepContext zeroes the register file, restores the stack pointer, and
// applies register and stack seeds.
func (h *Helper) prepContext(c *runConfig) error {
	for _, r := range h.CPU.RegNames() {
		h.CPU.RegWrite(r, 0)
	}
	h.CPU.RegWrite("sp", h.stack)
	for name, v := range c.registers {
		val, err := h.resolveValue(v)
		if err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
		if err := h.CPU.RegWrite(name, val); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
	}
	ptrSize := uint64(h.CPU.Arch().PointerSize())
	sp := h.CPU.RegRead("sp")
	for i, v := range c.stack {
		val, err := h.resolveValue(v)
		if err != nil {
			return fmt.Errorf("seed stack[%d]: %w", i, err)
		}
		buf := make([]byte, ptrSize)
		binary.LittleEndian.PutUint64(buf, val)
		if err := h.CPU.MemWrite(sp+uint64(i)*ptrSize, buf); err != nil {
			return fmt.Errorf("seed stack[%d]: %w", i, err)
		}
	}
	return nil
}

func (h *Helper) newContext(c *runConfig) *Context {
	return &Context{
		ID:              uuid.New(),
		SkipCalls:       c.skipCalls,
		HookAPIs:        c.hookAPIs,
		CallHook:        c.callHook,
		InstructionHook: c.instrHook,
		MemAccessHook:   c.memHook,
		UserData:        c.userData,
	}
}

// installHooks wires the engine hook plus the caller's hooks and the
// fault and interrupt handlers for a run.
func (h *Helper) installHooks(ctx *Context, engine emulator.CodeHook) {
	h.CPU.SetCodeHook(func(addr uint64, size uint32) {
		engine(addr, size)
		if ctx.InstructionHook != nil {
			ctx.InstructionHook(h, ctx, addr, size)
		}
	})
	if ctx.MemAccessHook != nil {
		h.CPU.SetMemAccessHook(func(write bool, addr uint64, size int, value int64) {
			ctx.MemAccessHook(h, ctx, write, addr, size, value)
		})
	} else {
		h.CPU.SetMemAccessHook(nil)
	}
	h.CPU.SetMemFaultHook(h.memFaultHook(ctx))
	h.CPU.SetInterruptHook(h.interruptHook(ctx))
}

// memFaultHook maps a zeroed page under any touch of unmapped memory.
// When even that fails, the faulting instruction is stepped over.
func (h *Helper) memFaultHook(ctx *Context) emulator.MemFaultHook {
	return func(access emulator.Access, addr uint64, size int) bool {
		log.L.Insn(ctx.CurrAddr, "unmapped memory access", log.Target(addr))
		if err := h.Mem.MapZeroPage(addr); err != nil {
			log.L.Insn(ctx.CurrAddr, "zero page map failed, stepping over", zap.Error(err))
			h.CPU.RegWrite("pc", ctx.CurrAddr+uint64(ctx.CurrSize))
		}
		return true
	}
}

// interruptHook patches the interrupting instruction with NOPs. The
// program counter cannot be moved from inside an interrupt hook, so
// patching is the only way to get past the instruction.
func (h *Helper) interruptHook(ctx *Context) emulator.InterruptHook {
	return func(intno uint32) {
		log.L.Insn(ctx.CurrAddr, "interrupt", zap.Uint32("intno", intno))
		nop := h.CPU.Arch().NOP()
		if n := int(ctx.CurrSize) / len(nop); n > 0 {
			h.CPU.MemWrite(ctx.CurrAddr, bytes.Repeat(nop, n))
		}
		ctx.EnteredBlock = false
	}
}

// skipInstruction advances past the current instruction, applying the
// stack delta recorded for the next one so skipped pushes and pops do not
// skew the frame.
func (h *Helper) skipInstruction(ctx *Context) {
	next := ctx.CurrAddr + uint64(ctx.CurrSize)
	h.CPU.RegWrite("pc", next)
	if ctx.Func != nil {
		h.CPU.RegWrite("sp", h.CPU.RegRead("sp")+uint64(ctx.Func.StackDelta(next)))
	}
}

// stopRun halts the CPU and ends the current forced run.
func (h *Helper) stopRun(ctx *Context) {
	ctx.EnteredBlock = false
	h.CPU.Stop()
}

// targetHit fires the caller's target hook. A panicking hook is contained
// so remaining paths and targets still run.
func (h *Helper) targetHit(ctx *Context, addr uint64) {
	defer func() {
		if rec := recover(); rec != nil {
			log.L.Warn("target hook panicked", log.Addr(addr), zap.Any("panic", rec))
		}
	}()
	if ctx.TargetHook != nil {
		ctx.TargetHook(h, ctx, addr, h.Argv())
	}
	ctx.markVisited(addr)
}

// isBadBranch reports a register-indirect branch whose register does not
// point at a decodable instruction. Forced runs produce these constantly
// since branch inputs are never real.
func (h *Helper) isBadBranch(addr uint64) bool {
	if h.DB == nil {
		return false
	}
	reg := h.DB.IndirectBranchReg(addr)
	if reg == "" {
		return false
	}
	dest := h.CPU.RegRead(reg)
	return h.DB.Mnemonic(dest) == ""
}

// inNullMemory reports n bytes of zeros at addr, the signature of the
// program counter running off into unmapped-then-faulted-in memory.
func (h *Helper) inNullMemory(addr uint64, n uint64) bool {
	buf, err := h.CPU.MemRead(addr, n)
	if err != nil {
		return false
	}
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// callName resolves the symbol a call at addr lands on: the name of a
// direct target, or the name at the address held by the call's register.
func (h *Helper) callName(addr uint64) string {
	if h.DB == nil {
		return ""
	}
	var dest uint64
	if t, ok := h.DB.BranchTarget(addr); ok {
		dest = t
	} else if reg := h.DB.CallTargetReg(addr); reg != "" {
		dest = h.CPU.RegRead(reg)
	} else {
		return ""
	}
	if name := h.DB.NameAt(dest); name != "" {
		return name
	}
	return fmt.Sprintf("sub_%x", dest)
}

// handleShims runs the registered shim for name, then steps over the
// call.
func (h *Helper) handleShims(ctx *Context, name string) bool {
	if !h.Shims.Handle(name, h.host()) {
		return false
	}
	h.skipInstruction(ctx)
	return true
}
