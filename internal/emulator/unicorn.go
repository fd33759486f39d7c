package emulator

import (
	"fmt"
	"sort"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Unicorn drives a Unicorn Engine instance behind the CPU interface.
type Unicorn struct {
	mu   uc.Unicorn
	arch Arch
	regs map[string]int

	codeHook  CodeHook
	faultHook MemFaultHook
	accHook   MemAccessHook
	intrHook  InterruptHook

	stopped bool
}

var _ CPU = (*Unicorn)(nil)

// NewUnicorn creates a Unicorn-backed CPU for the given architecture.
func NewUnicorn(arch Arch) (*Unicorn, error) {
	var mu uc.Unicorn
	var err error
	switch arch {
	case ARM64:
		mu, err = uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	case X86_64:
		mu, err = uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	default:
		return nil, fmt.Errorf("unsupported architecture %v", arch)
	}
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	u := &Unicorn{mu: mu, arch: arch, regs: regNames(arch)}
	if err := u.installHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return u, nil
}

func regNames(arch Arch) map[string]int {
	switch arch {
	case ARM64:
		regs := map[string]int{
			"pc":  uc.ARM64_REG_PC,
			"sp":  uc.ARM64_REG_SP,
			"lr":  uc.ARM64_REG_LR,
			"ret": uc.ARM64_REG_X0,
		}
		for i := 0; i <= 28; i++ {
			regs[fmt.Sprintf("x%d", i)] = uc.ARM64_REG_X0 + i
		}
		regs["x29"] = uc.ARM64_REG_X29
		regs["x30"] = uc.ARM64_REG_X30
		return regs
	case X86_64:
		return map[string]int{
			"pc":  uc.X86_REG_RIP,
			"rip": uc.X86_REG_RIP,
			"sp":  uc.X86_REG_RSP,
			"ret": uc.X86_REG_RAX,
			"rax": uc.X86_REG_RAX, "rbx": uc.X86_REG_RBX,
			"rcx": uc.X86_REG_RCX, "rdx": uc.X86_REG_RDX,
			"rdi": uc.X86_REG_RDI, "rsi": uc.X86_REG_RSI,
			"rbp": uc.X86_REG_RBP, "rsp": uc.X86_REG_RSP,
			"r8": uc.X86_REG_R8, "r9": uc.X86_REG_R9,
			"r10": uc.X86_REG_R10, "r11": uc.X86_REG_R11,
			"r12": uc.X86_REG_R12, "r13": uc.X86_REG_R13,
			"r14": uc.X86_REG_R14, "r15": uc.X86_REG_R15,
		}
	}
	return nil
}

// installHooks registers the unicorn hooks once; per-run hook functions are
// swapped on the struct rather than re-registered.
func (u *Unicorn) installHooks() error {
	_, err := u.mu.HookAdd(uc.HOOK_CODE, func(_ uc.Unicorn, addr uint64, size uint32) {
		if u.stopped {
			u.mu.Stop()
			return
		}
		if u.codeHook != nil {
			u.codeHook(addr, size)
		}
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("add code hook: %w", err)
	}

	_, err = u.mu.HookAdd(uc.HOOK_MEM_READ_UNMAPPED|uc.HOOK_MEM_WRITE_UNMAPPED|uc.HOOK_MEM_FETCH_UNMAPPED,
		func(_ uc.Unicorn, access int, addr uint64, size int, value int64) bool {
			if u.faultHook == nil {
				return false
			}
			return u.faultHook(faultAccess(access), addr, size)
		}, 1, 0)
	if err != nil {
		return fmt.Errorf("add fault hook: %w", err)
	}

	_, err = u.mu.HookAdd(uc.HOOK_MEM_READ|uc.HOOK_MEM_WRITE,
		func(_ uc.Unicorn, access int, addr uint64, size int, value int64) {
			if u.accHook != nil {
				u.accHook(access == uc.MEM_WRITE, addr, size, value)
			}
		}, 1, 0)
	if err != nil {
		return fmt.Errorf("add access hook: %w", err)
	}

	_, err = u.mu.HookAdd(uc.HOOK_INTR, func(_ uc.Unicorn, intno uint32) {
		if u.intrHook != nil {
			u.intrHook(intno)
		}
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("add interrupt hook: %w", err)
	}
	return nil
}

func faultAccess(access int) Access {
	switch access {
	case uc.MEM_WRITE_UNMAPPED:
		return AccessWrite
	case uc.MEM_FETCH_UNMAPPED:
		return AccessFetch
	default:
		return AccessRead
	}
}

// Arch returns the emulated architecture.
func (u *Unicorn) Arch() Arch { return u.arch }

// RegRead reads a register by name. Unknown names read as 0.
func (u *Unicorn) RegRead(name string) uint64 {
	reg, ok := u.regs[name]
	if !ok {
		return 0
	}
	val, _ := u.mu.RegRead(reg)
	return val
}

// RegWrite writes a register by name.
func (u *Unicorn) RegWrite(name string, val uint64) error {
	reg, ok := u.regs[name]
	if !ok {
		return fmt.Errorf("unknown register %q", name)
	}
	return u.mu.RegWrite(reg, val)
}

// RegNames returns all addressable register names, sorted for determinism.
func (u *Unicorn) RegNames() []string {
	names := make([]string, 0, len(u.regs))
	for name := range u.regs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (u *Unicorn) MemMap(addr, size uint64) error   { return u.mu.MemMap(addr, size) }
func (u *Unicorn) MemUnmap(addr, size uint64) error { return u.mu.MemUnmap(addr, size) }

func (u *Unicorn) MemRead(addr, size uint64) ([]byte, error) {
	return u.mu.MemRead(addr, size)
}

func (u *Unicorn) MemWrite(addr uint64, data []byte) error {
	return u.mu.MemWrite(addr, data)
}

func (u *Unicorn) SetCodeHook(fn CodeHook)           { u.codeHook = fn }
func (u *Unicorn) SetMemFaultHook(fn MemFaultHook)   { u.faultHook = fn }
func (u *Unicorn) SetMemAccessHook(fn MemAccessHook) { u.accHook = fn }
func (u *Unicorn) SetInterruptHook(fn InterruptHook) { u.intrHook = fn }

// Start begins emulation. A non-zero count bounds the number of executed
// instructions.
func (u *Unicorn) Start(begin, until uint64, count uint64) error {
	u.stopped = false
	if count > 0 {
		return u.mu.StartWithOptions(begin, until, &uc.UcOptions{Count: count})
	}
	return u.mu.Start(begin, until)
}

// Stop halts the current emulation run. Safe to call from hooks.
func (u *Unicorn) Stop() {
	u.stopped = true
	u.mu.Stop()
}

// Close releases the unicorn instance.
func (u *Unicorn) Close() error { return u.mu.Close() }
