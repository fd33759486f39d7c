package emulator

import (
	"encoding/binary"
	"testing"
)

const codeBase = 0x10000

// ARM64: MOV X0, #5; MOV X1, #3; ADD X2, X0, X1; RET
var addCode = []byte{
	0xa0, 0x00, 0x80, 0xd2,
	0x61, 0x00, 0x80, 0xd2,
	0x02, 0x00, 0x01, 0x8b,
	0xc0, 0x03, 0x5f, 0xd6,
}

func newCPU(t *testing.T) *Unicorn {
	t.Helper()
	cpu, err := NewUnicorn(ARM64)
	if err != nil {
		t.Fatalf("NewUnicorn: %v", err)
	}
	t.Cleanup(func() { cpu.Close() })
	if err := cpu.MemMap(codeBase, 0x1000); err != nil {
		t.Fatalf("MemMap: %v", err)
	}
	return cpu
}

func TestRunToEnd(t *testing.T) {
	cpu := newCPU(t)
	if err := cpu.MemWrite(codeBase, addCode); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}
	// Stop at the RET rather than executing it.
	if err := cpu.Start(codeBase, codeBase+12, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := cpu.RegRead("x2"); got != 8 {
		t.Errorf("x2 = %d, want 8", got)
	}
	if cpu.RegRead("x0") != 5 || cpu.RegRead("x1") != 3 {
		t.Errorf("x0/x1 = %d/%d", cpu.RegRead("x0"), cpu.RegRead("x1"))
	}
}

func TestRegisterAliases(t *testing.T) {
	cpu := newCPU(t)
	if err := cpu.RegWrite("sp", 0x10800); err != nil {
		t.Fatalf("RegWrite sp: %v", err)
	}
	if got := cpu.RegRead("sp"); got != 0x10800 {
		t.Errorf("sp = %#x", got)
	}
	if err := cpu.RegWrite("ret", 42); err != nil {
		t.Fatalf("RegWrite ret: %v", err)
	}
	// "ret" aliases the return-value register.
	if got := cpu.RegRead("x0"); got != 42 {
		t.Errorf("x0 via ret alias = %d", got)
	}
	if err := cpu.RegWrite("nosuch", 1); err == nil {
		t.Error("unknown register write should fail")
	}
	if got := cpu.RegRead("nosuch"); got != 0 {
		t.Errorf("unknown register read = %d", got)
	}
}

func TestRegNamesCoverGPRs(t *testing.T) {
	cpu := newCPU(t)
	names := map[string]bool{}
	for _, n := range cpu.RegNames() {
		names[n] = true
	}
	for _, want := range []string{"x0", "x28", "x29", "x30", "pc", "sp", "lr", "ret"} {
		if !names[want] {
			t.Errorf("RegNames missing %q", want)
		}
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	cpu := newCPU(t)
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 0x123456789abcdef0)
	if err := cpu.MemWrite(codeBase+0x100, buf); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}
	got, err := cpu.MemRead(codeBase+0x100, 8)
	if err != nil {
		t.Fatalf("MemRead: %v", err)
	}
	if binary.LittleEndian.Uint64(got) != 0x123456789abcdef0 {
		t.Errorf("read back %x", got)
	}
	if err := cpu.MemUnmap(codeBase, 0x1000); err != nil {
		t.Fatalf("MemUnmap: %v", err)
	}
	if _, err := cpu.MemRead(codeBase+0x100, 8); err == nil {
		t.Error("read after unmap should fail")
	}
}

func TestCodeHookFires(t *testing.T) {
	cpu := newCPU(t)
	if err := cpu.MemWrite(codeBase, addCode); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}
	var addrs []uint64
	cpu.SetCodeHook(func(addr uint64, size uint32) {
		addrs = append(addrs, addr)
	})
	if err := cpu.Start(codeBase, codeBase+12, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(addrs) != 3 || addrs[0] != codeBase || addrs[2] != codeBase+8 {
		t.Errorf("hook addrs = %#x", addrs)
	}
}

func TestStopSticksAcrossPCWrites(t *testing.T) {
	cpu := newCPU(t)
	if err := cpu.MemWrite(codeBase, addCode); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}
	var fired int
	cpu.SetCodeHook(func(addr uint64, size uint32) {
		fired++
		cpu.Stop()
		// A PC write after Stop must not resurrect the run.
		cpu.RegWrite("pc", codeBase)
	})
	if err := cpu.Start(codeBase, codeBase+16, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if fired != 1 {
		t.Errorf("hook fired %d times after stop", fired)
	}
}

func TestCountBoundsRun(t *testing.T) {
	cpu := newCPU(t)
	if err := cpu.MemWrite(codeBase, addCode); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}
	if err := cpu.Start(codeBase, codeBase+16, 2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Only the two MOVs ran; the ADD never executed.
	if got := cpu.RegRead("x2"); got != 0 {
		t.Errorf("x2 = %d after bounded run", got)
	}
	if got := cpu.RegRead("x1"); got != 3 {
		t.Errorf("x1 = %d", got)
	}
}

func TestMemFaultHookObservesAccess(t *testing.T) {
	cpu := newCPU(t)
	// STR X0, [X1] with X1 pointing at unmapped memory.
	str := []byte{0x20, 0x00, 0x00, 0xf9}
	if err := cpu.MemWrite(codeBase, str); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}
	cpu.RegWrite("x1", 0x900000)
	var faultAddr uint64
	var faultAcc Access
	cpu.SetMemFaultHook(func(access Access, addr uint64, size int) bool {
		faultAddr = addr
		faultAcc = access
		return false
	})
	if err := cpu.Start(codeBase, codeBase+4, 0); err == nil {
		t.Fatal("unhandled fault should error the run")
	}
	if faultAddr != 0x900000 || faultAcc != AccessWrite {
		t.Errorf("fault = %v at %#x", faultAcc, faultAddr)
	}
}
