// Package memory owns the emulated address space: the program image, the
// stack, and every region handed out at runtime. All mappings go through
// the Manager so heap bookkeeping, collision-free placement, and teardown
// between runs stay consistent.
package memory

import (
	"fmt"

	"github.com/zboralski/drover/internal/emulator"
	"github.com/zboralski/drover/internal/log"
	"github.com/zboralski/drover/internal/program"
	"go.uber.org/zap"
)

const (
	// PageSize is the mapping granularity.
	PageSize = 0x1000

	// MaxAllocSize caps a single runtime allocation. Requests above it
	// are clamped rather than failed, matching what loose library code
	// expects from a forgiving heap.
	MaxAllocSize = 10 << 20

	// minBase is the lowest address ever handed out for a dynamic
	// region, keeping the null page and its neighbours unmapped.
	minBase = 0x10000

	// StackSize is the size of the emulated stack region.
	StackSize = 0x2000
)

// Region is one mapping made through the Manager.
type Region struct {
	Base uint64
	Size uint64
}

// End returns the first address past the region.
func (r Region) End() uint64 { return r.Base + r.Size }

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

// Allocation records a heap allocation: the size the caller asked for and
// the page-rounded size actually mapped. Reallocation uses the requested
// size to bound copies.
type Allocation struct {
	Base      uint64
	Requested uint64
	Mapped    uint64
}

// Manager tracks every region mapped into a CPU's address space.
type Manager struct {
	cpu emulator.CPU
	db  *program.Database

	regions []Region
	allocs  map[uint64]Allocation

	image Region
	stack Region
}

// NewManager wraps cpu. db may be nil when no program image is loaded,
// as with raw byte-buffer emulation.
func NewManager(cpu emulator.CPU, db *program.Database) *Manager {
	return &Manager{
		cpu:    cpu,
		db:     db,
		allocs: make(map[uint64]Allocation),
	}
}

// PageAlign rounds addr down to a page boundary.
func PageAlign(addr uint64) uint64 { return addr &^ (PageSize - 1) }

// PageAlignUp rounds size up to a whole number of pages, never to zero.
func PageAlignUp(size uint64) uint64 {
	if size == 0 {
		return PageSize
	}
	return (size + PageSize - 1) &^ (PageSize - 1)
}

// ClampSize bounds a runtime allocation request.
func ClampSize(size uint64) uint64 {
	if size > MaxAllocSize {
		return MaxAllocSize
	}
	return size
}

// MapImage maps one contiguous region covering every segment of the
// program database and writes the segment contents into it, zero-filling
// the gaps. It returns the image region.
func (m *Manager) MapImage() (Region, error) {
	if m.db == nil || len(m.db.Segments) == 0 {
		return Region{}, fmt.Errorf("no segments to map")
	}
	base := PageAlign(m.db.MinAddr())
	size := PageAlignUp(m.db.MaxAddr() - base)
	if err := m.cpu.MemMap(base, size); err != nil {
		return Region{}, fmt.Errorf("map image at %#x: %w", base, err)
	}
	m.image = Region{Base: base, Size: size}
	m.regions = append(m.regions, m.image)
	for _, seg := range m.db.Segments {
		if len(seg.Data) == 0 {
			continue
		}
		if err := m.cpu.MemWrite(seg.Addr, seg.Data); err != nil {
			return Region{}, fmt.Errorf("write segment %s: %w", seg.Name, err)
		}
	}
	log.L.Debug("image mapped", zap.String("base", log.Hex(base)), zap.String("size", log.Hex(size)))
	return m.image, nil
}

// Image returns the mapped image region, zero when none was mapped.
func (m *Manager) Image() Region { return m.image }

// BuildStack maps a fresh stack and returns the initial stack pointer,
// which sits mid-region so frames and spilled arguments both have room.
func (m *Manager) BuildStack() (uint64, error) {
	base, err := m.Alloc(StackSize)
	if err != nil {
		return 0, fmt.Errorf("map stack: %w", err)
	}
	delete(m.allocs, base)
	m.stack = Region{Base: base, Size: StackSize}
	return base + StackSize/2, nil
}

// Stack returns the stack region.
func (m *Manager) Stack() Region { return m.stack }

// Alloc maps a new region of at least size bytes at an unused address and
// records it as a heap allocation. Size is clamped to MaxAllocSize.
func (m *Manager) Alloc(size uint64) (uint64, error) {
	size = ClampSize(size)
	mapped := PageAlignUp(size)
	base := m.findUnused()
	if err := m.cpu.MemMap(base, mapped); err != nil {
		return 0, fmt.Errorf("map %#x bytes at %#x: %w", mapped, base, err)
	}
	m.regions = append(m.regions, Region{Base: base, Size: mapped})
	m.allocs[base] = Allocation{Base: base, Requested: size, Mapped: mapped}
	return base, nil
}

// AllocAt maps size bytes at addr when the range is free. On collision the
// region is relocated to an unused address that preserves addr's offset
// into its page, so pointer arithmetic relative to the page still works.
func (m *Manager) AllocAt(addr, size uint64) (uint64, error) {
	size = ClampSize(size)
	mapped := PageAlignUp(size + (addr - PageAlign(addr)))
	base := PageAlign(addr)
	if m.overlaps(base, mapped) {
		offset := addr - base
		base = m.findUnused()
		addr = base + offset
	}
	if err := m.cpu.MemMap(base, mapped); err != nil {
		return 0, fmt.Errorf("map %#x bytes at %#x: %w", mapped, base, err)
	}
	m.regions = append(m.regions, Region{Base: base, Size: mapped})
	m.allocs[addr] = Allocation{Base: addr, Requested: size, Mapped: mapped - (addr - base)}
	return addr, nil
}

// LoadBytes maps a fresh region and copies data into it.
func (m *Manager) LoadBytes(data []byte) (uint64, error) {
	base, err := m.Alloc(uint64(len(data)))
	if err != nil {
		return 0, err
	}
	if len(data) > 0 {
		if err := m.cpu.MemWrite(base, data); err != nil {
			return 0, fmt.Errorf("write %d bytes at %#x: %w", len(data), base, err)
		}
	}
	return base, nil
}

// AllocationAt returns the heap allocation record starting at ptr.
func (m *Manager) AllocationAt(ptr uint64) (Allocation, bool) {
	a, ok := m.allocs[ptr]
	return a, ok
}

// Free drops the allocation record for ptr. The pages stay mapped: stale
// reads through dangling pointers are common in the code this emulates and
// should not fault.
func (m *Manager) Free(ptr uint64) bool {
	_, ok := m.allocs[ptr]
	delete(m.allocs, ptr)
	return ok
}

// RegionContaining returns the managed region holding addr.
func (m *Manager) RegionContaining(addr uint64) (Region, bool) {
	for _, r := range m.regions {
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

// IsValidPointer reports whether addr falls inside any managed region.
func (m *Manager) IsValidPointer(addr uint64) bool {
	_, ok := m.RegionContaining(addr)
	return ok
}

// MapZeroPage maps the zeroed page containing addr. Used by fault hooks to
// satisfy touches of unmapped memory on the fly.
func (m *Manager) MapZeroPage(addr uint64) error {
	base := PageAlign(addr)
	if err := m.cpu.MemMap(base, PageSize); err != nil {
		return fmt.Errorf("map zero page at %#x: %w", base, err)
	}
	m.regions = append(m.regions, Region{Base: base, Size: PageSize})
	return nil
}

// UnmapAll unmaps every managed region and forgets all bookkeeping.
func (m *Manager) UnmapAll() {
	for _, r := range m.regions {
		if err := m.cpu.MemUnmap(r.Base, r.Size); err != nil {
			log.L.Debug("unmap failed", zap.String("base", log.Hex(r.Base)), zap.Error(err))
		}
	}
	m.regions = nil
	m.allocs = make(map[uint64]Allocation)
	m.image = Region{}
	m.stack = Region{}
}

// ResetHeapAndStack tears down everything except the image and maps a
// fresh stack, returning the new stack pointer. Run state from a previous
// emulation never leaks into the next one.
func (m *Manager) ResetHeapAndStack() (uint64, error) {
	kept := m.regions[:0]
	for _, r := range m.regions {
		if r == m.image {
			kept = append(kept, r)
			continue
		}
		if err := m.cpu.MemUnmap(r.Base, r.Size); err != nil {
			log.L.Debug("unmap failed", zap.String("base", log.Hex(r.Base)), zap.Error(err))
		}
	}
	m.regions = kept
	m.allocs = make(map[uint64]Allocation)
	m.stack = Region{}
	return m.BuildStack()
}

// RebuildFromImage unmaps everything and remaps the image bytes and a
// fresh stack, returning the new stack pointer. Used when a run must not
// observe writes an earlier run made to image memory.
func (m *Manager) RebuildFromImage() (uint64, error) {
	m.UnmapAll()
	if _, err := m.MapImage(); err != nil {
		return 0, err
	}
	return m.BuildStack()
}

// findUnused returns a page-aligned base past every managed region and
// past the image, never below minBase.
func (m *Manager) findUnused() uint64 {
	base := uint64(minBase)
	for _, r := range m.regions {
		if end := PageAlignUp(r.End()) + PageSize; end > base {
			base = end
		}
	}
	if m.db != nil && len(m.db.Segments) > 0 {
		if end := PageAlignUp(m.db.MaxAddr()) + PageSize; end > base {
			base = end
		}
	}
	return base
}

// overlaps reports whether [base, base+size) intersects a managed region.
func (m *Manager) overlaps(base, size uint64) bool {
	for _, r := range m.regions {
		if base < r.End() && r.Base < base+size {
			return true
		}
	}
	return false
}
