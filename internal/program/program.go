// Package program models the static-analysis view of a binary consumed by
// the emulation engine: functions, basic blocks, successor edges, segment
// bytes, symbol names, cross references and per-instruction stack deltas.
// The data is produced by a disassembler export (see Load); the engine never
// performs static analysis itself.
package program

import (
	"fmt"

	"github.com/zboralski/drover/internal/emulator"
)

// TerminalKind classifies how a basic block ends.
type TerminalKind int

const (
	KindNormal TerminalKind = iota
	KindIndirectJump
	KindReturn
	KindCondReturn
	KindNoReturn
	KindExternal
	KindError
)

var kindNames = map[string]TerminalKind{
	"normal":        KindNormal,
	"indirect-jump": KindIndirectJump,
	"return":        KindReturn,
	"cond-return":   KindCondReturn,
	"no-return":     KindNoReturn,
	"external":      KindExternal,
	"error":         KindError,
}

// String returns the export spelling of the kind.
func (k TerminalKind) String() string {
	for name, kind := range kindNames {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

// BasicBlock is one node of a function's control-flow graph. Blocks are
// immutable once captured; End is exclusive.
type BasicBlock struct {
	ID    int
	Start uint64
	End   uint64
	Kind  TerminalKind
	Succs []int
}

// Contains reports whether addr falls inside the block.
func (b *BasicBlock) Contains(addr uint64) bool {
	return addr >= b.Start && addr < b.End
}

// Function is one analyzed function with its flow graph and stack deltas.
type Function struct {
	Start       uint64
	End         uint64
	Blocks      []*BasicBlock
	StackDeltas map[uint64]int64

	byID map[int]*BasicBlock
}

func (f *Function) index() {
	f.byID = make(map[int]*BasicBlock, len(f.Blocks))
	for _, b := range f.Blocks {
		f.byID[b.ID] = b
	}
}

// Block returns the block with the given id.
func (f *Function) Block(id int) *BasicBlock {
	if f.byID == nil {
		f.index()
	}
	return f.byID[id]
}

// EntryBlock returns the block starting at the function entry.
func (f *Function) EntryBlock() *BasicBlock {
	for _, b := range f.Blocks {
		if b.Start == f.Start {
			return b
		}
	}
	return nil
}

// BlockAt returns the block containing addr, or nil.
func (f *Function) BlockAt(addr uint64) *BasicBlock {
	for _, b := range f.Blocks {
		if b.Contains(addr) {
			return b
		}
	}
	return nil
}

// Contains reports whether addr falls inside the function's range.
func (f *Function) Contains(addr uint64) bool {
	return addr >= f.Start && addr < f.End
}

// StackDelta returns the stack-pointer adjustment attributed to reaching
// addr, or 0 when the export carries none.
func (f *Function) StackDelta(addr uint64) int64 {
	return f.StackDeltas[addr]
}

// Terminating reports whether the block ends the path search: returns,
// known-no-return calls, indirect jumps with no resolved successors, and
// blocks flowing into external code all qualify.
func (f *Function) Terminating(b *BasicBlock) bool {
	if b.Kind == KindReturn || b.Kind == KindNoReturn {
		return true
	}
	if b.Kind == KindIndirectJump && len(b.Succs) == 0 {
		return true
	}
	for _, id := range b.Succs {
		if s := f.Block(id); s != nil && s.Kind == KindExternal {
			return true
		}
	}
	return false
}

// Segment is one loadable chunk of the analyzed image. Size may exceed
// len(Data); the remainder is zero-filled on load (.bss style).
type Segment struct {
	Name string
	Addr uint64
	Size uint64
	Data []byte
}

// ABI selects the calling convention used to snapshot arguments.
type ABI string

const (
	ABISysV  ABI = "sysv"
	ABIWin64 ABI = "win64"
)

// Database is the full analysis export for one binary.
type Database struct {
	Arch      emulator.Arch
	ABI       ABI
	Segments  []Segment
	Functions []*Function
	Names     map[uint64]string
	Xrefs     map[uint64][]uint64
}

// FunctionAt returns the function containing addr.
func (db *Database) FunctionAt(addr uint64) (*Function, bool) {
	for _, f := range db.Functions {
		if f.Contains(addr) {
			return f, true
		}
	}
	return nil, false
}

// FunctionStarting returns the function whose entry is exactly addr.
func (db *Database) FunctionStarting(addr uint64) (*Function, bool) {
	for _, f := range db.Functions {
		if f.Start == addr {
			return f, true
		}
	}
	return nil, false
}

// NameAt returns the symbol name at addr, if any.
func (db *Database) NameAt(addr uint64) string {
	return db.Names[addr]
}

// XrefsTo returns the recorded cross references to addr.
func (db *Database) XrefsTo(addr uint64) []uint64 {
	return db.Xrefs[addr]
}

// MinAddr returns the lowest mapped image address.
func (db *Database) MinAddr() uint64 {
	var lo uint64
	for i, s := range db.Segments {
		if i == 0 || s.Addr < lo {
			lo = s.Addr
		}
	}
	return lo
}

// MaxAddr returns the end of the highest mapped image address.
func (db *Database) MaxAddr() uint64 {
	var hi uint64
	for _, s := range db.Segments {
		if end := s.Addr + s.segSize(); end > hi {
			hi = end
		}
	}
	return hi
}

func (s Segment) segSize() uint64 {
	if s.Size > uint64(len(s.Data)) {
		return s.Size
	}
	return uint64(len(s.Data))
}

// BytesAt returns up to size bytes of image content starting at addr, or
// nil when addr is outside every segment. Reads past a segment's declared
// content are zero-filled up to its declared size.
func (db *Database) BytesAt(addr, size uint64) []byte {
	for _, s := range db.Segments {
		end := s.Addr + s.segSize()
		if addr < s.Addr || addr >= end {
			continue
		}
		if addr+size > end {
			size = end - addr
		}
		buf := make([]byte, size)
		off := addr - s.Addr
		if off < uint64(len(s.Data)) {
			copy(buf, s.Data[off:])
		}
		return buf
	}
	return nil
}

func (db *Database) validate() error {
	if len(db.Segments) == 0 {
		return fmt.Errorf("analysis export has no segments")
	}
	for _, f := range db.Functions {
		if f.EntryBlock() == nil {
			return fmt.Errorf("function %#x has no entry block", f.Start)
		}
		f.index()
		for _, b := range f.Blocks {
			for _, id := range b.Succs {
				if f.Block(id) == nil {
					return fmt.Errorf("function %#x: block %d references unknown successor %d", f.Start, b.ID, id)
				}
			}
		}
	}
	return nil
}
