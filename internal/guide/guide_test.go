package guide

import (
	"encoding/binary"
	"testing"

	"github.com/zboralski/drover/internal/emulator"
	"github.com/zboralski/drover/internal/program"
)

// The test image is a small hand-assembled ARM64 program.
//
// f at 0x100000 has a diamond: with x0 zero the CBZ falls through to the
// x2=2 arm, so reaching the x2=1 arm proves forcing.
//
//	0x100000  CBZ  x0, 0x100010    b0
//	0x100004  MOVZ x2, #1          b1
//	0x100008  B    0x100014
//	0x10000c  NOP                  (filler)
//	0x100010  MOVZ x2, #2          b2
//	0x100014  MOVZ x3, #9          b3
//	0x100018  RET
//
// g at 0x100100 calls malloc through a thunk at 0x100200:
//
//	0x100100  MOVZ x0, #0x20
//	0x100104  BL   0x100200
//	0x100108  MOVZ x3, #7
//	0x10010c  RET
const (
	fStart     = 0x100000
	fTarget    = 0x100014
	gStart     = 0x100100
	gCallSite  = 0x100104
	mallocAddr = 0x100200
)

func put32(data []byte, addr uint64, insns ...uint32) {
	for i, insn := range insns {
		binary.LittleEndian.PutUint32(data[addr-fStart+uint64(i)*4:], insn)
	}
}

func testDB() *program.Database {
	data := make([]byte, 0x204)
	put32(data, 0x100000,
		0xb4000080, // CBZ x0, +0x10
		0xd2800022, // MOVZ x2, #1
		0x14000003, // B +0xc
		0xd503201f, // NOP
		0xd2800042, // MOVZ x2, #2
		0xd2800123, // MOVZ x3, #9
		0xd65f03c0, // RET
	)
	put32(data, 0x100100,
		0xd2800400, // MOVZ x0, #0x20
		0x9400003f, // BL +0xfc
		0xd28000e3, // MOVZ x3, #7
		0xd65f03c0, // RET
	)
	put32(data, 0x100200,
		0xd65f03c0, // RET
	)
	return &program.Database{
		Arch: emulator.ARM64,
		ABI:  program.ABISysV,
		Segments: []program.Segment{
			{Name: "__text", Addr: fStart, Size: uint64(len(data)), Data: data},
		},
		Functions: []*program.Function{
			{
				Start: 0x100000, End: 0x10001c,
				Blocks: []*program.BasicBlock{
					{ID: 0, Start: 0x100000, End: 0x100004, Succs: []int{1, 2}},
					{ID: 1, Start: 0x100004, End: 0x10000c, Succs: []int{3}},
					{ID: 2, Start: 0x100010, End: 0x100014, Succs: []int{3}},
					{ID: 3, Start: 0x100014, End: 0x10001c, Kind: program.KindReturn},
				},
			},
			{
				Start: 0x100100, End: 0x100110,
				Blocks: []*program.BasicBlock{
					{ID: 0, Start: 0x100100, End: 0x100110, Kind: program.KindReturn},
				},
			},
		},
		Names: map[uint64]string{mallocAddr: "malloc"},
		Xrefs: map[uint64][]uint64{mallocAddr: {gCallSite}},
	}
}

func newHelper(t *testing.T) *Helper {
	t.Helper()
	h, err := New(testDB())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestIterateForcesBothArms(t *testing.T) {
	h := newHelper(t)
	var x2s []uint64
	err := h.Iterate([]uint64{fTarget}, func(h *Helper, ctx *Context, addr uint64, argv []uint64) {
		if addr != fTarget {
			t.Errorf("hit at %#x", addr)
		}
		x2s = append(x2s, h.CPU.RegRead("x2"))
	})
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	// One run per path: forced through the x2=1 arm first, then the arm
	// natural flow takes.
	if len(x2s) != 2 || x2s[0] != 1 || x2s[1] != 2 {
		t.Fatalf("x2 per path = %v, want [1 2]", x2s)
	}
}

func TestIterateRetiresSecondaryTargets(t *testing.T) {
	h := newHelper(t)
	hits := make(map[uint64]int)
	err := h.Iterate([]uint64{fTarget, 0x100004}, func(h *Helper, ctx *Context, addr uint64, argv []uint64) {
		hits[addr]++
	})
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	// 0x100014 is driven over both of its paths. 0x100004 is passed on
	// the forced path and retired there, never driven on its own.
	if hits[fTarget] != 2 {
		t.Errorf("target hits = %d, want 2", hits[fTarget])
	}
	if hits[0x100004] != 1 {
		t.Errorf("secondary hits = %d, want 1", hits[0x100004])
	}
}

func TestIterateRetiresUnreachedTarget(t *testing.T) {
	h := newHelper(t)
	hits := 0
	// One instruction per run is not enough to reach the target; Iterate
	// must still retire it and terminate.
	err := h.Iterate([]uint64{fTarget}, func(h *Helper, ctx *Context, addr uint64, argv []uint64) {
		hits++
	}, WithCount(1))
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if hits != 0 {
		t.Fatalf("hits = %d, want 0", hits)
	}
}

func TestIterateBranchlessFunction(t *testing.T) {
	h := newHelper(t)
	var argv0 uint64
	hits := 0
	err := h.Iterate([]uint64{gCallSite}, func(h *Helper, ctx *Context, addr uint64, argv []uint64) {
		hits++
		argv0 = argv[0]
	})
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if hits != 1 {
		t.Fatalf("hits = %d", hits)
	}
	if argv0 != 0x20 {
		t.Fatalf("argv[0] = %#x, want 0x20", argv0)
	}
}

func TestIterateCallersFindsCallSite(t *testing.T) {
	h := newHelper(t)
	var sites []uint64
	err := h.IterateCallers(mallocAddr, func(h *Helper, ctx *Context, addr uint64, argv []uint64) {
		sites = append(sites, addr)
	})
	if err != nil {
		t.Fatalf("IterateCallers: %v", err)
	}
	if len(sites) != 1 || sites[0] != gCallSite {
		t.Fatalf("sites = %#x", sites)
	}
}

func TestIterateCallHookSeesCalls(t *testing.T) {
	h := newHelper(t)
	var names []string
	err := h.Iterate([]uint64{0x100108}, nil,
		WithCallHook(func(h *Helper, ctx *Context, addr uint64, argv []uint64, name string) {
			names = append(names, name)
		}))
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if len(names) != 1 || names[0] != "malloc" {
		t.Fatalf("call names = %v", names)
	}
}

func TestEmulateRangeNaturalFlow(t *testing.T) {
	h := newHelper(t)
	if _, err := h.EmulateRange(fStart, 0); err != nil {
		t.Fatalf("EmulateRange: %v", err)
	}
	// x0 is zero, so CBZ takes the x2=2 arm.
	if x2 := h.CPU.RegRead("x2"); x2 != 2 {
		t.Fatalf("x2 = %d", x2)
	}
	if x3 := h.CPU.RegRead("x3"); x3 != 9 {
		t.Fatalf("x3 = %d", x3)
	}
}

func TestEmulateRangeRegisterSeed(t *testing.T) {
	h := newHelper(t)
	if _, err := h.EmulateRange(fStart, 0, WithRegister("x0", Num(1))); err != nil {
		t.Fatalf("EmulateRange: %v", err)
	}
	if x2 := h.CPU.RegRead("x2"); x2 != 1 {
		t.Fatalf("x2 = %d", x2)
	}
}

func TestEmulateRangeEndAddr(t *testing.T) {
	h := newHelper(t)
	if _, err := h.EmulateRange(fStart, 0x100010); err != nil {
		t.Fatalf("EmulateRange: %v", err)
	}
	if x2 := h.CPU.RegRead("x2"); x2 != 0 {
		t.Fatalf("x2 = %d, run did not stop at end address", x2)
	}
}

func TestEmulateRangeShimsCall(t *testing.T) {
	h := newHelper(t)
	if _, err := h.EmulateRange(gStart, 0); err != nil {
		t.Fatalf("EmulateRange: %v", err)
	}
	// The malloc call is shimmed: x0 holds a live heap pointer.
	if p := h.CPU.RegRead("x0"); !h.Mem.IsValidPointer(p) {
		t.Fatalf("x0 = %#x, not a mapped pointer", p)
	}
	if x3 := h.CPU.RegRead("x3"); x3 != 7 {
		t.Fatalf("x3 = %d, run did not continue past the call", x3)
	}
}

func TestEmulateRangeWithoutShims(t *testing.T) {
	h := newHelper(t)
	if _, err := h.EmulateRange(gStart, 0, WithoutShims()); err != nil {
		t.Fatalf("EmulateRange: %v", err)
	}
	// The call is skipped outright, leaving the argument in x0.
	if x0 := h.CPU.RegRead("x0"); x0 != 0x20 {
		t.Fatalf("x0 = %#x", x0)
	}
}

func TestEmulateRangeStringSeed(t *testing.T) {
	h := newHelper(t)
	_, err := h.EmulateRange(fStart, 0, WithRegister("x5", Str("hello")))
	if err != nil {
		t.Fatalf("EmulateRange: %v", err)
	}
	if got := h.ReadCString(h.CPU.RegRead("x5")); got != "hello" {
		t.Fatalf("seeded string = %q", got)
	}
}

func TestEmulateBytes(t *testing.T) {
	h, err := NewRaw(emulator.ARM64)
	if err != nil {
		t.Fatalf("NewRaw: %v", err)
	}
	defer h.Close()

	code := make([]byte, 8)
	binary.LittleEndian.PutUint32(code[0:], 0xd28000a2) // MOVZ x2, #5
	binary.LittleEndian.PutUint32(code[4:], 0xd503201f) // NOP
	if _, err := h.EmulateBytes(code); err != nil {
		t.Fatalf("EmulateBytes: %v", err)
	}
	if x2 := h.CPU.RegRead("x2"); x2 != 5 {
		t.Fatalf("x2 = %d", x2)
	}
}

func TestEmulateBytesNullMemoryGuard(t *testing.T) {
	h, err := NewRaw(emulator.ARM64)
	if err != nil {
		t.Fatalf("NewRaw: %v", err)
	}
	defer h.Close()

	// The branch jumps past the buffer into the zeroed rest of the page;
	// the run must stop instead of chewing through zeros.
	code := make([]byte, 8)
	binary.LittleEndian.PutUint32(code[0:], 0xd28000a2) // MOVZ x2, #5
	binary.LittleEndian.PutUint32(code[4:], 0x14000002) // B +8
	if _, err := h.EmulateBytes(code); err != nil {
		t.Fatalf("EmulateBytes: %v", err)
	}
	if x2 := h.CPU.RegRead("x2"); x2 != 5 {
		t.Fatalf("x2 = %d", x2)
	}
}

func TestMemFaultMapsZeroPage(t *testing.T) {
	h, err := NewRaw(emulator.ARM64)
	if err != nil {
		t.Fatalf("NewRaw: %v", err)
	}
	defer h.Close()

	// A store through an unmapped pointer gets a zeroed page under it
	// instead of killing the run.
	code := make([]byte, 12)
	binary.LittleEndian.PutUint32(code[0:], 0xd2a20001) // MOVZ x1, #0x1000, LSL #16
	binary.LittleEndian.PutUint32(code[4:], 0xf9000020) // STR x0, [x1]
	binary.LittleEndian.PutUint32(code[8:], 0xd503201f) // NOP
	if _, err := h.EmulateBytes(code, WithRegister("x0", Num(0x41))); err != nil {
		t.Fatalf("EmulateBytes: %v", err)
	}
	if !h.Mem.IsValidPointer(0x10000000) {
		t.Fatal("faulted page not mapped")
	}
	buf, err := h.CPU.MemRead(0x10000000, 8)
	if err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint64(buf) != 0x41 {
		t.Fatalf("stored value = %#x", binary.LittleEndian.Uint64(buf))
	}
}

func TestStateString(t *testing.T) {
	h := newHelper(t)
	h.CPU.RegWrite("x0", 0x1234)
	s := h.StateString()
	if s == "" {
		t.Fatal("empty state dump")
	}
}
