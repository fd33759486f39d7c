package program

import (
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zboralski/drover/internal/emulator"
)

// On-disk analysis export. Produced by a disassembler-side exporter; the
// schema mirrors what the engine consumes and nothing more.
type fileDB struct {
	Arch      string            `yaml:"arch"`
	ABI       string            `yaml:"abi"`
	Segments  []fileSegment     `yaml:"segments"`
	Functions []fileFunction    `yaml:"functions"`
	Names     map[uint64]string `yaml:"names"`
	Xrefs     map[uint64][]uint64 `yaml:"xrefs"`
}

type fileSegment struct {
	Name string `yaml:"name"`
	Addr uint64 `yaml:"addr"`
	Size uint64 `yaml:"size"`
	// Data carries the segment bytes base64-encoded. The yaml package
	// cannot decode a scalar into a byte slice, so the transport is a
	// string decoded here.
	Data string `yaml:"data"`
}

type fileFunction struct {
	Start       uint64           `yaml:"start"`
	End         uint64           `yaml:"end"`
	Blocks      []fileBlock      `yaml:"blocks"`
	StackDeltas map[uint64]int64 `yaml:"stack_deltas"`
}

type fileBlock struct {
	ID    int    `yaml:"id"`
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
	Kind  string `yaml:"kind"`
	Succs []int  `yaml:"succs"`
}

// Load reads a YAML analysis export from path.
func Load(path string) (*Database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read analysis export: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML analysis export.
func Parse(data []byte) (*Database, error) {
	var f fileDB
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse analysis export: %w", err)
	}

	db := &Database{
		Names: f.Names,
		Xrefs: f.Xrefs,
	}
	if db.Names == nil {
		db.Names = make(map[uint64]string)
	}
	if db.Xrefs == nil {
		db.Xrefs = make(map[uint64][]uint64)
	}

	switch f.Arch {
	case "arm64", "aarch64":
		db.Arch = emulator.ARM64
	case "x86_64", "amd64":
		db.Arch = emulator.X86_64
	default:
		return nil, fmt.Errorf("unsupported architecture %q", f.Arch)
	}

	switch f.ABI {
	case "", "sysv":
		db.ABI = ABISysV
	case "win64":
		db.ABI = ABIWin64
	default:
		return nil, fmt.Errorf("unsupported abi %q", f.ABI)
	}

	for _, s := range f.Segments {
		var raw []byte
		if s.Data != "" {
			var err error
			raw, err = base64.StdEncoding.DecodeString(s.Data)
			if err != nil {
				return nil, fmt.Errorf("segment %s: decode data: %w", s.Name, err)
			}
		}
		db.Segments = append(db.Segments, Segment{
			Name: s.Name,
			Addr: s.Addr,
			Size: s.Size,
			Data: raw,
		})
	}

	for _, ff := range f.Functions {
		fn := &Function{
			Start:       ff.Start,
			End:         ff.End,
			StackDeltas: ff.StackDeltas,
		}
		if fn.StackDeltas == nil {
			fn.StackDeltas = make(map[uint64]int64)
		}
		for _, fb := range ff.Blocks {
			kind, ok := kindNames[fb.Kind]
			if !ok && fb.Kind != "" {
				return nil, fmt.Errorf("function %#x block %d: unknown kind %q", ff.Start, fb.ID, fb.Kind)
			}
			fn.Blocks = append(fn.Blocks, &BasicBlock{
				ID:    fb.ID,
				Start: fb.Start,
				End:   fb.End,
				Kind:  kind,
				Succs: fb.Succs,
			})
		}
		db.Functions = append(db.Functions, fn)
	}

	if err := db.validate(); err != nil {
		return nil, err
	}
	return db, nil
}
