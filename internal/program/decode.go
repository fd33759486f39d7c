package program

import (
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/drover/internal/emulator"
)

// Instruction-level queries. The export does not carry per-instruction
// records; mnemonics and operands are recovered by decoding image bytes,
// which keeps the export small and matches what the emulator fetches.

// Mnemonic returns the mnemonic at addr, or "" when the bytes do not
// decode to a valid instruction (or lie outside the image).
func (db *Database) Mnemonic(addr uint64) string {
	switch db.Arch {
	case emulator.ARM64:
		buf := db.BytesAt(addr, 4)
		if len(buf) < 4 {
			return ""
		}
		inst, err := arm64asm.Decode(buf)
		if err != nil {
			return ""
		}
		return strings.ToLower(inst.Op.String())
	case emulator.X86_64:
		buf := db.BytesAt(addr, 15)
		if len(buf) == 0 {
			return ""
		}
		inst, err := x86asm.Decode(buf, 64)
		if err != nil {
			return ""
		}
		return strings.ToLower(inst.Op.String())
	}
	return ""
}

// Disasm returns the GNU-syntax disassembly of the instruction at addr
// and its length in bytes. A zero length means the bytes do not decode.
func (db *Database) Disasm(addr uint64) (string, int) {
	switch db.Arch {
	case emulator.ARM64:
		buf := db.BytesAt(addr, 4)
		if len(buf) < 4 {
			return "", 0
		}
		inst, err := arm64asm.Decode(buf)
		if err != nil {
			return "", 0
		}
		return arm64asm.GNUSyntax(inst), 4
	case emulator.X86_64:
		buf := db.BytesAt(addr, 15)
		if len(buf) == 0 {
			return "", 0
		}
		inst, err := x86asm.Decode(buf, 64)
		if err != nil {
			return "", 0
		}
		return x86asm.GNUSyntax(inst, addr, nil), inst.Len
	}
	return "", 0
}

// IsCall reports whether the instruction at addr transfers control like a
// call: BL/BLR/CALL, or a direct jump that lands exactly on a function
// entry (tail call).
func (db *Database) IsCall(addr uint64) bool {
	switch db.Arch {
	case emulator.ARM64:
		buf := db.BytesAt(addr, 4)
		if len(buf) < 4 {
			return false
		}
		inst, err := arm64asm.Decode(buf)
		if err != nil {
			return false
		}
		switch inst.Op {
		case arm64asm.BL, arm64asm.BLR:
			return true
		case arm64asm.B:
			if target, ok := db.BranchTarget(addr); ok {
				_, isEntry := db.FunctionStarting(target)
				return isEntry
			}
		}
	case emulator.X86_64:
		buf := db.BytesAt(addr, 15)
		if len(buf) == 0 {
			return false
		}
		inst, err := x86asm.Decode(buf, 64)
		if err != nil {
			return false
		}
		if inst.Op == x86asm.CALL {
			return true
		}
		if inst.Op == x86asm.JMP {
			if target, ok := db.BranchTarget(addr); ok {
				_, isEntry := db.FunctionStarting(target)
				return isEntry
			}
		}
	}
	return false
}

// IsRet reports whether the instruction at addr returns from a function.
func (db *Database) IsRet(addr uint64) bool {
	switch db.Arch {
	case emulator.ARM64:
		buf := db.BytesAt(addr, 4)
		if len(buf) < 4 {
			return false
		}
		inst, err := arm64asm.Decode(buf)
		return err == nil && inst.Op == arm64asm.RET
	case emulator.X86_64:
		buf := db.BytesAt(addr, 15)
		if len(buf) == 0 {
			return false
		}
		inst, err := x86asm.Decode(buf, 64)
		return err == nil && inst.Op == x86asm.RET
	}
	return false
}

// BranchTarget returns the immediate target of a direct branch or call at
// addr.
func (db *Database) BranchTarget(addr uint64) (uint64, bool) {
	switch db.Arch {
	case emulator.ARM64:
		buf := db.BytesAt(addr, 4)
		if len(buf) < 4 {
			return 0, false
		}
		inst, err := arm64asm.Decode(buf)
		if err != nil {
			return 0, false
		}
		for _, arg := range inst.Args {
			if rel, ok := arg.(arm64asm.PCRel); ok {
				return uint64(int64(addr) + int64(rel)), true
			}
		}
	case emulator.X86_64:
		buf := db.BytesAt(addr, 15)
		if len(buf) == 0 {
			return 0, false
		}
		inst, err := x86asm.Decode(buf, 64)
		if err != nil {
			return 0, false
		}
		for _, arg := range inst.Args {
			if rel, ok := arg.(x86asm.Rel); ok {
				return uint64(int64(addr) + int64(inst.Len) + int64(rel)), true
			}
		}
	}
	return 0, false
}

// IndirectBranchReg returns the register operand of an indirect branch at
// addr (BR Xn, JMP reg), named the way the CPU addresses registers. Empty
// when the instruction is not a register-indirect branch.
func (db *Database) IndirectBranchReg(addr uint64) string {
	switch db.Arch {
	case emulator.ARM64:
		buf := db.BytesAt(addr, 4)
		if len(buf) < 4 {
			return ""
		}
		inst, err := arm64asm.Decode(buf)
		if err != nil || inst.Op != arm64asm.BR {
			return ""
		}
		if reg, ok := inst.Args[0].(arm64asm.Reg); ok {
			return strings.ToLower(reg.String())
		}
	case emulator.X86_64:
		buf := db.BytesAt(addr, 15)
		if len(buf) == 0 {
			return ""
		}
		inst, err := x86asm.Decode(buf, 64)
		if err != nil || inst.Op != x86asm.JMP {
			return ""
		}
		if reg, ok := inst.Args[0].(x86asm.Reg); ok {
			return strings.ToLower(reg.String())
		}
	}
	return ""
}

// CallTargetReg returns the register operand of a register-indirect call
// (BLR Xn, CALL reg), or "" for direct calls.
func (db *Database) CallTargetReg(addr uint64) string {
	switch db.Arch {
	case emulator.ARM64:
		buf := db.BytesAt(addr, 4)
		if len(buf) < 4 {
			return ""
		}
		inst, err := arm64asm.Decode(buf)
		if err != nil || inst.Op != arm64asm.BLR {
			return ""
		}
		if reg, ok := inst.Args[0].(arm64asm.Reg); ok {
			return strings.ToLower(reg.String())
		}
	case emulator.X86_64:
		buf := db.BytesAt(addr, 15)
		if len(buf) == 0 {
			return ""
		}
		inst, err := x86asm.Decode(buf, 64)
		if err != nil || inst.Op != x86asm.CALL {
			return ""
		}
		if reg, ok := inst.Args[0].(x86asm.Reg); ok {
			return strings.ToLower(reg.String())
		}
	}
	return ""
}
