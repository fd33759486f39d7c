package shims

import (
	"bytes"

	"github.com/zboralski/drover/internal/memory"
)

// writable validates an n-byte destination at dest: the request is
// truncated against the allocation ceiling and the destination is mapped
// on demand, but a request that would run past the end of an existing
// region fails outright. Overflowing writes are aborted, never truncated;
// the caller returns the routine's native failure value.
func (h *Host) writable(dest, n uint64) (uint64, bool) {
	n = memory.ClampSize(n)
	if n == 0 || dest == 0 {
		return 0, false
	}
	r, ok := h.Mem.RegionContaining(dest)
	if !ok {
		if _, err := h.Mem.AllocAt(dest, n); err != nil {
			return 0, false
		}
		r, ok = h.Mem.RegionContaining(dest)
		if !ok {
			return 0, false
		}
	}
	if n > r.End()-dest {
		return 0, false
	}
	return n, true
}

// cmpReadable validates the operand pointers of a compare routine.
func (h *Host) cmpReadable(ptrs ...uint64) bool {
	for _, p := range ptrs {
		if !h.Mem.IsValidPointer(p) {
			return false
		}
	}
	return true
}

// readBytes reads up to n bytes at src, shrinking the count to what the
// source region holds.
func (h *Host) readBytes(src, n uint64) []byte {
	n = memory.ClampSize(n)
	if n == 0 || src == 0 {
		return nil
	}
	if r, ok := h.Mem.RegionContaining(src); ok {
		if avail := r.End() - src; n > avail {
			n = avail
		}
	}
	buf, err := h.CPU.MemRead(src, n)
	if err != nil {
		return nil
	}
	return buf
}

func memShims() []*Def {
	return []*Def{
		{
			Name: "memcpy", Aliases: []string{"memmove", "CopyMemory", "RtlCopyMemory", "MoveMemory", "RtlMoveMemory"}, Category: "mem",
			Fn: func(h *Host) {
				dest, src := h.Arg(0), h.Arg(1)
				if h.Arg(2) == 0 {
					h.SetRet(dest)
					return
				}
				n, ok := h.writable(dest, h.Arg(2))
				if !ok {
					h.SetRet(h.Failure())
					return
				}
				if buf := h.readBytes(src, n); buf != nil {
					h.CPU.MemWrite(dest, buf)
				}
				h.SetRet(dest)
			},
		},
		{
			Name: "memset", Category: "mem",
			Fn: func(h *Host) {
				dest := h.Arg(0)
				c := byte(h.Arg(1))
				if h.Arg(2) == 0 {
					h.SetRet(dest)
					return
				}
				n, ok := h.writable(dest, h.Arg(2))
				if !ok {
					h.SetRet(h.Failure())
					return
				}
				buf := make([]byte, n)
				for i := range buf {
					buf[i] = c
				}
				h.CPU.MemWrite(dest, buf)
				h.SetRet(dest)
			},
		},
		{
			Name: "bzero", Category: "mem",
			Fn: func(h *Host) {
				dest := h.Arg(0)
				if n, ok := h.writable(dest, h.Arg(1)); ok {
					h.CPU.MemWrite(dest, make([]byte, n))
				}
			},
		},
		{
			Name: "ZeroMemory", Aliases: []string{"RtlZeroMemory", "SecureZeroMemory", "RtlSecureZeroMemory"}, Category: "mem",
			Fn: func(h *Host) {
				dest := h.Arg(0)
				if n, ok := h.writable(dest, h.Arg(1)); ok {
					h.CPU.MemWrite(dest, make([]byte, n))
				}
			},
		},
		{
			Name: "memchr", Category: "mem",
			Fn: func(h *Host) {
				src := h.Arg(0)
				c := byte(h.Arg(1))
				buf := h.readBytes(src, h.Arg(2))
				for i, b := range buf {
					if b == c {
						h.SetRet(src + uint64(i))
						return
					}
				}
				h.SetRet(0)
			},
		},
		{
			Name: "memcmp", Category: "mem",
			Fn: func(h *Host) {
				if !h.cmpReadable(h.Arg(0), h.Arg(1)) {
					h.SetRet(h.Failure())
					return
				}
				n := h.Arg(2)
				a := h.readBytes(h.Arg(0), n)
				b := h.readBytes(h.Arg(1), n)
				h.SetRet(cmpResult(bytes.Compare(a, b)))
			},
		},
	}
}

// cmpResult widens a comparison sign into the register-sized return value.
func cmpResult(c int) uint64 {
	return uint64(int64(c))
}
