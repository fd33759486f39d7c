// Package shims emulates the runtime routines sample code calls out to:
// heap allocators, string and memory intrinsics, and narrow/wide
// conversions, for both the C runtime and the Windows API surface. The
// engine resolves a call target to a name, and when a shim matches, the
// call's effect is applied to emulated state instead of executing library
// code.
package shims

import (
	"regexp"
	"strings"

	"github.com/zboralski/drover/internal/emulator"
	"github.com/zboralski/drover/internal/log"
	"github.com/zboralski/drover/internal/memory"
	"github.com/zboralski/drover/internal/program"
)

// Host is the slice of emulated state a shim may touch: registers and
// memory through the CPU, regions and the heap through the Manager.
type Host struct {
	CPU emulator.CPU
	Mem *memory.Manager
	ABI program.ABI
}

// Failure is the value returned for failed pointer-returning routines.
func (h *Host) Failure() uint64 {
	return ^uint64(0)
}

// Arg returns the i-th call argument per the calling convention, reading
// past the register arguments from the stack.
func (h *Host) Arg(i int) uint64 {
	regs, shadow := h.argRegs()
	if i < len(regs) {
		return h.CPU.RegRead(regs[i])
	}
	sp := h.CPU.RegRead("sp")
	var slot uint64
	switch h.CPU.Arch() {
	case emulator.ARM64:
		slot = sp + uint64(i-len(regs))*8
	default:
		// Past the return address; Win64 stack slots include the
		// shadow space reserved for the register arguments.
		if shadow {
			slot = sp + 8 + uint64(i)*8
		} else {
			slot = sp + 8 + uint64(i-len(regs))*8
		}
	}
	return h.readPtr(slot)
}

func (h *Host) argRegs() (regs []string, shadow bool) {
	switch h.CPU.Arch() {
	case emulator.ARM64:
		return []string{"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7"}, false
	default:
		if h.ABI == program.ABIWin64 {
			return []string{"rcx", "rdx", "r8", "r9"}, true
		}
		return []string{"rdi", "rsi", "rdx", "rcx", "r8", "r9"}, false
	}
}

// SetRet writes the routine's return value.
func (h *Host) SetRet(v uint64) {
	h.CPU.RegWrite("ret", v)
}

func (h *Host) readPtr(addr uint64) uint64 {
	buf, err := h.CPU.MemRead(addr, 8)
	if err != nil {
		return 0
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v
}

// Def is one emulated routine. Aliases map additional export names onto
// the same behaviour.
type Def struct {
	Name     string
	Aliases  []string
	Category string
	Fn       func(h *Host)
}

// Registry maps normalized routine names to shim definitions.
type Registry struct {
	defs map[string]*Def
}

// NewRegistry returns a registry loaded with the built-in catalog.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[string]*Def)}
	r.install(heapShims())
	r.install(memShims())
	r.install(stringShims())
	r.install(wideShims())
	r.install(convShims())
	r.install(intrinsicShims())
	return r
}

func (r *Registry) install(defs []*Def) {
	for _, d := range defs {
		r.defs[Normalize(d.Name)] = d
		for _, a := range d.Aliases {
			r.defs[Normalize(a)] = d
		}
	}
}

// Register adds or replaces a shim. Callers use it to override built-in
// behaviour for a specific sample.
func (r *Registry) Register(d *Def) {
	r.install([]*Def{d})
}

// Lookup returns the shim for name after normalization.
func (r *Registry) Lookup(name string) (*Def, bool) {
	d, ok := r.defs[Normalize(name)]
	return d, ok
}

// Handle runs the shim registered for name against h. It reports whether
// a shim matched; a panicking shim is contained and counts as handled.
func (r *Registry) Handle(name string, h *Host) bool {
	d, ok := r.Lookup(name)
	if !ok {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.L.Warn("shim panicked",
				log.Fn(d.Name),
				log.Addr(h.CPU.RegRead("pc")),
			)
		}
	}()
	log.L.Shim(h.CPU.RegRead("pc"), d.Category, d.Name, name)
	d.Fn(h)
	return true
}

var (
	suffixSeq    = regexp.MustCompile(`_[\d]+$`)
	suffixLocale = regexp.MustCompile(`_l$`)
	prefixThunk  = regexp.MustCompile(`^j_`)
	prefixUnders = regexp.MustCompile(`^_+`)
)

// Normalize strips the decoration analysis tools and linkers put on
// routine names: numbered duplicate suffixes, locale-variant suffixes,
// thunk prefixes, and leading underscores. Order matters; a name like
// "j__strcpy_3" reduces to "strcpy".
func Normalize(name string) string {
	name = suffixSeq.ReplaceAllString(name, "")
	name = suffixLocale.ReplaceAllString(name, "")
	name = prefixThunk.ReplaceAllString(name, "")
	name = prefixUnders.ReplaceAllString(name, "")
	return strings.ToLower(name)
}
