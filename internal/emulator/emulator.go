// Package emulator defines the CPU surface the emulation engine drives and
// provides the Unicorn Engine backed implementation of it. The engine only
// ever talks to the narrow CPU interface; everything architecture specific
// lives behind it.
package emulator

// Arch identifies a supported CPU architecture.
type Arch int

const (
	ARM64 Arch = iota
	X86_64
)

// String returns the canonical lowercase name used in analysis exports.
func (a Arch) String() string {
	switch a {
	case ARM64:
		return "arm64"
	case X86_64:
		return "x86_64"
	}
	return "unknown"
}

// PointerSize returns the pointer width in bytes.
func (a Arch) PointerSize() int {
	return 8
}

// NOP returns the encoding of a no-op instruction for the architecture.
// Used to patch over instructions that raised an interrupt.
func (a Arch) NOP() []byte {
	switch a {
	case ARM64:
		return []byte{0x1f, 0x20, 0x03, 0xd5}
	case X86_64:
		return []byte{0x90}
	}
	return nil
}

// Access classifies a faulting memory operation.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessFetch
)

// CodeHook is invoked before each emulated instruction.
type CodeHook func(addr uint64, size uint32)

// MemFaultHook is invoked on access to unmapped memory. Returning true
// resumes emulation; returning false aborts the faulting run.
type MemFaultHook func(access Access, addr uint64, size int) bool

// MemAccessHook is invoked on each emulated memory read or write.
type MemAccessHook func(write bool, addr uint64, size int, value int64)

// InterruptHook is invoked when emulated code raises an interrupt.
type InterruptHook func(intno uint32)

// CPU is the instruction emulator consumed by the engine. Registers are
// addressed by lowercase name; every architecture aliases "pc", "sp" and
// "ret" (the return-value register) in addition to its native names.
type CPU interface {
	Arch() Arch

	RegRead(name string) uint64
	RegWrite(name string, val uint64) error
	// RegNames returns every general-purpose register name, used to zero
	// state between runs.
	RegNames() []string

	MemMap(addr, size uint64) error
	MemUnmap(addr, size uint64) error
	MemRead(addr, size uint64) ([]byte, error)
	MemWrite(addr uint64, data []byte) error

	SetCodeHook(fn CodeHook)
	SetMemFaultHook(fn MemFaultHook)
	SetMemAccessHook(fn MemAccessHook)
	SetInterruptHook(fn InterruptHook)

	// Start emulates from begin until the until address is fetched, the
	// instruction count ceiling is reached (0 = unbounded), or Stop is
	// called from a hook.
	Start(begin, until uint64, count uint64) error
	Stop()
	Close() error
}
