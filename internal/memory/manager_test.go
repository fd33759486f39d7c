package memory

import (
	"bytes"
	"testing"

	"github.com/zboralski/drover/internal/emulator"
	"github.com/zboralski/drover/internal/program"
)

func newCPU(t *testing.T) emulator.CPU {
	t.Helper()
	cpu, err := emulator.NewUnicorn(emulator.ARM64)
	if err != nil {
		t.Fatalf("NewUnicorn: %v", err)
	}
	t.Cleanup(func() { cpu.Close() })
	return cpu
}

func testDB() *program.Database {
	return &program.Database{
		Arch: emulator.ARM64,
		Segments: []program.Segment{
			{Name: "__text", Addr: 0x100000, Size: 0x20, Data: bytes.Repeat([]byte{0xaa}, 0x20)},
			{Name: "__data", Addr: 0x101000, Size: 0x10, Data: bytes.Repeat([]byte{0xbb}, 0x10)},
		},
	}
}

func TestMapImage(t *testing.T) {
	cpu := newCPU(t)
	m := NewManager(cpu, testDB())

	img, err := m.MapImage()
	if err != nil {
		t.Fatalf("MapImage: %v", err)
	}
	if img.Base != 0x100000 {
		t.Fatalf("image base = %#x", img.Base)
	}

	text, err := cpu.MemRead(0x100000, 0x20)
	if err != nil {
		t.Fatalf("read text: %v", err)
	}
	if !bytes.Equal(text, bytes.Repeat([]byte{0xaa}, 0x20)) {
		t.Fatal("text segment contents wrong")
	}

	// The gap between segments is mapped and zeroed.
	gap, err := cpu.MemRead(0x100800, 8)
	if err != nil {
		t.Fatalf("read gap: %v", err)
	}
	if !bytes.Equal(gap, make([]byte, 8)) {
		t.Fatalf("gap not zeroed: % x", gap)
	}
}

func TestAllocPlacement(t *testing.T) {
	cpu := newCPU(t)
	m := NewManager(cpu, testDB())
	if _, err := m.MapImage(); err != nil {
		t.Fatal(err)
	}

	a, err := m.Alloc(0x100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a <= m.Image().End() {
		t.Fatalf("allocation %#x overlaps image ending %#x", a, m.Image().End())
	}
	if a%PageSize != 0 {
		t.Fatalf("allocation %#x not page aligned", a)
	}

	b, err := m.Alloc(0x100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if b <= a {
		t.Fatalf("second allocation %#x not past first %#x", b, a)
	}

	rec, ok := m.AllocationAt(a)
	if !ok || rec.Requested != 0x100 || rec.Mapped != PageSize {
		t.Fatalf("allocation record = %+v ok = %v", rec, ok)
	}
}

func TestAllocClampsOversize(t *testing.T) {
	cpu := newCPU(t)
	m := NewManager(cpu, nil)

	a, err := m.Alloc(1 << 40)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	rec, _ := m.AllocationAt(a)
	if rec.Requested != MaxAllocSize {
		t.Fatalf("requested = %#x, want clamp to %#x", rec.Requested, uint64(MaxAllocSize))
	}
}

func TestAllocAtPreservesPageOffset(t *testing.T) {
	cpu := newCPU(t)
	m := NewManager(cpu, nil)

	// First claim the requested page.
	if _, err := m.AllocAt(0x400000, 0x100); err != nil {
		t.Fatal(err)
	}
	// A colliding request relocates but keeps the offset into the page.
	p, err := m.AllocAt(0x400123, 0x100)
	if err != nil {
		t.Fatalf("AllocAt: %v", err)
	}
	if p == 0x400123 {
		t.Fatal("collision not relocated")
	}
	if p%PageSize != 0x123 {
		t.Fatalf("relocated pointer %#x lost page offset", p)
	}
	if !m.IsValidPointer(p) || !m.IsValidPointer(p+0xff) {
		t.Fatal("relocated range not mapped")
	}
}

func TestLoadBytes(t *testing.T) {
	cpu := newCPU(t)
	m := NewManager(cpu, nil)

	data := []byte("forced execution")
	p, err := m.LoadBytes(data)
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	got, err := cpu.MemRead(p, uint64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("read back % x", got)
	}
}

func TestBuildStack(t *testing.T) {
	cpu := newCPU(t)
	m := NewManager(cpu, nil)

	sp, err := m.BuildStack()
	if err != nil {
		t.Fatalf("BuildStack: %v", err)
	}
	st := m.Stack()
	if sp != st.Base+StackSize/2 {
		t.Fatalf("sp = %#x, stack = %+v", sp, st)
	}
	// Room both above and below the initial pointer.
	if err := cpu.MemWrite(sp-8, make([]byte, 16)); err != nil {
		t.Fatalf("stack write: %v", err)
	}
	// The stack is not a heap allocation.
	if _, ok := m.AllocationAt(st.Base); ok {
		t.Fatal("stack recorded as heap allocation")
	}
}

func TestMapZeroPage(t *testing.T) {
	cpu := newCPU(t)
	m := NewManager(cpu, nil)

	if err := m.MapZeroPage(0x7fff1234); err != nil {
		t.Fatalf("MapZeroPage: %v", err)
	}
	got, err := cpu.MemRead(0x7fff1000, PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, make([]byte, PageSize)) {
		t.Fatal("zero page not zeroed")
	}
	if !m.IsValidPointer(0x7fff1234) {
		t.Fatal("zero page not tracked")
	}
}

func TestResetHeapAndStack(t *testing.T) {
	cpu := newCPU(t)
	m := NewManager(cpu, testDB())
	if _, err := m.MapImage(); err != nil {
		t.Fatal(err)
	}
	heap, err := m.Alloc(0x5000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.BuildStack(); err != nil {
		t.Fatal(err)
	}

	sp, err := m.ResetHeapAndStack()
	if err != nil {
		t.Fatalf("ResetHeapAndStack: %v", err)
	}
	// The fresh stack may reuse the old heap's base, but the old heap's
	// tail pages are gone.
	if m.IsValidPointer(heap + 0x4000) {
		t.Fatal("heap survived reset")
	}
	if !m.IsValidPointer(0x100000) {
		t.Fatal("image lost in reset")
	}
	if sp == 0 || !m.IsValidPointer(sp) {
		t.Fatalf("bad stack pointer %#x after reset", sp)
	}
	if _, ok := m.AllocationAt(heap); ok {
		t.Fatal("allocation record survived reset")
	}
}

func TestFree(t *testing.T) {
	cpu := newCPU(t)
	m := NewManager(cpu, nil)

	p, err := m.Alloc(0x20)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Free(p) {
		t.Fatal("Free returned false for live allocation")
	}
	if m.Free(p) {
		t.Fatal("double free reported success")
	}
	// Pages stay mapped so stale pointers still read.
	if _, err := cpu.MemRead(p, 8); err != nil {
		t.Fatalf("freed memory unmapped: %v", err)
	}
}

func TestRebuildFromImage(t *testing.T) {
	cpu := newCPU(t)
	m := NewManager(cpu, testDB())
	if _, err := m.MapImage(); err != nil {
		t.Fatalf("MapImage: %v", err)
	}
	// Dirty the image and leak a heap allocation.
	if err := cpu.MemWrite(0x100000, []byte{0xcc, 0xcc}); err != nil {
		t.Fatalf("dirty image: %v", err)
	}
	if _, err := m.Alloc(0x100); err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	sp, err := m.RebuildFromImage()
	if err != nil {
		t.Fatalf("RebuildFromImage: %v", err)
	}
	if sp == 0 || !m.IsValidPointer(sp-8) {
		t.Fatalf("stack pointer = %#x", sp)
	}
	text, err := cpu.MemRead(0x100000, 2)
	if err != nil {
		t.Fatalf("read text: %v", err)
	}
	if !bytes.Equal(text, []byte{0xaa, 0xaa}) {
		t.Fatalf("image bytes not restored: % x", text)
	}
	if len(m.allocs) != 0 {
		t.Fatal("allocation records survived the rebuild")
	}
}
