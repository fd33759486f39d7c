package shims

import "github.com/zboralski/drover/internal/memory"

// heapHandle is the constant returned for heap-object handles. Samples
// only ever pass it back into allocation calls, so any nonzero value
// serves.
const heapHandle = 42

func (h *Host) alloc(size uint64) uint64 {
	p, err := h.Mem.Alloc(size)
	if err != nil {
		return 0
	}
	return p
}

func allocArg(arg int) func(*Host) {
	return func(h *Host) {
		h.SetRet(h.alloc(h.Arg(arg)))
	}
}

func reallocArgs(ptrArg, sizeArg int) func(*Host) {
	return func(h *Host) {
		old := h.Arg(ptrArg)
		size := memory.ClampSize(h.Arg(sizeArg))
		if old == 0 {
			h.SetRet(h.alloc(size))
			return
		}
		newp, err := h.Mem.Alloc(size)
		if err != nil {
			h.SetRet(0)
			return
		}
		if rec, ok := h.Mem.AllocationAt(old); ok {
			n := rec.Requested
			if size < n {
				n = size
			}
			if buf, err := h.CPU.MemRead(old, n); err == nil {
				h.CPU.MemWrite(newp, buf)
			}
			h.Mem.Free(old)
		}
		h.SetRet(newp)
	}
}

func heapShims() []*Def {
	return []*Def{
		{
			Name: "GetProcessHeap", Category: "heap",
			Fn: func(h *Host) { h.SetRet(heapHandle) },
		},
		{
			Name: "HeapCreate", Category: "heap",
			Fn: func(h *Host) { h.SetRet(heapHandle) },
		},
		{
			Name: "HeapDestroy", Category: "heap",
			Fn: func(h *Host) { h.SetRet(1) },
		},
		{
			Name: "malloc", Aliases: []string{"valloc"}, Category: "heap",
			Fn: allocArg(0),
		},
		{
			Name: "calloc", Category: "heap",
			Fn: func(h *Host) {
				h.SetRet(h.alloc(h.Arg(0) * h.Arg(1)))
			},
		},
		{
			Name: "realloc", Category: "heap",
			Fn: reallocArgs(0, 1),
		},
		{
			// HeapAlloc(hHeap, dwFlags, dwBytes)
			Name: "HeapAlloc", Aliases: []string{"RtlAllocateHeap"}, Category: "heap",
			Fn: allocArg(2),
		},
		{
			// HeapReAlloc(hHeap, dwFlags, lpMem, dwBytes)
			Name: "HeapReAlloc", Aliases: []string{"RtlReAllocateHeap"}, Category: "heap",
			Fn: reallocArgs(2, 3),
		},
		{
			Name: "HeapFree", Aliases: []string{"RtlFreeHeap"}, Category: "heap",
			Fn: func(h *Host) {
				h.Mem.Free(h.Arg(2))
				h.SetRet(1)
			},
		},
		{
			// AllocateHeap(flags, size) as exported by some CRTs.
			Name: "AllocateHeap", Category: "heap",
			Fn: allocArg(1),
		},
		{
			// LocalAlloc(uFlags, uBytes)
			Name: "LocalAlloc", Aliases: []string{"GlobalAlloc"}, Category: "heap",
			Fn: allocArg(1),
		},
		{
			// LocalReAlloc(hMem, uBytes, uFlags)
			Name: "LocalReAlloc", Aliases: []string{"GlobalReAlloc"}, Category: "heap",
			Fn: reallocArgs(0, 1),
		},
		{
			// Locking a handle yields the handle itself; allocations here
			// are always fixed.
			Name: "LocalLock", Aliases: []string{"GlobalLock"}, Category: "heap",
			Fn: func(h *Host) { h.SetRet(h.Arg(0)) },
		},
		{
			Name: "free", Aliases: []string{"LocalFree", "GlobalFree"}, Category: "heap",
			Fn: func(h *Host) {
				h.Mem.Free(h.Arg(0))
				h.SetRet(0)
			},
		},
		{
			// VirtualAlloc(lpAddress, dwSize, flAllocationType, flProtect)
			Name: "VirtualAlloc", Category: "heap",
			Fn: func(h *Host) { h.SetRet(h.virtualAlloc(h.Arg(0), h.Arg(1))) },
		},
		{
			// VirtualAllocEx(hProcess, lpAddress, dwSize, ...)
			Name: "VirtualAllocEx", Aliases: []string{"VirtualAllocExNuma"}, Category: "heap",
			Fn: func(h *Host) { h.SetRet(h.virtualAlloc(h.Arg(1), h.Arg(2))) },
		},
		{
			Name: "VirtualFree", Aliases: []string{"VirtualFreeEx"}, Category: "heap",
			Fn: func(h *Host) { h.SetRet(1) },
		},
	}
}

func (h *Host) virtualAlloc(addr, size uint64) uint64 {
	if addr == 0 {
		return h.alloc(size)
	}
	p, err := h.Mem.AllocAt(addr, size)
	if err != nil {
		return 0
	}
	return p
}
