package shims

func convShims() []*Def {
	return []*Def{
		{
			// mbstowcs(dest, src, n)
			Name: "mbstowcs", Category: "conv",
			Fn: func(h *Host) {
				s := h.ReadCString(h.Arg(1))
				units := wideUnits(s)
				dest, n := h.Arg(0), h.Arg(2)
				if dest == 0 {
					h.SetRet(uint64(len(units)))
					return
				}
				units = truncateW(units, n)
				if !h.WriteWString(dest, units) {
					h.SetRet(h.Failure())
					return
				}
				h.SetRet(uint64(len(units)))
			},
		},
		{
			// wcstombs(dest, src, n)
			Name: "wcstombs", Category: "conv",
			Fn: func(h *Host) {
				s := wideString(h.ReadWString(h.Arg(1)))
				dest, n := h.Arg(0), h.Arg(2)
				if dest == 0 {
					h.SetRet(uint64(len(s)))
					return
				}
				s = truncate(s, n)
				if !h.WriteCString(dest, s) {
					h.SetRet(h.Failure())
					return
				}
				h.SetRet(uint64(len(s)))
			},
		},
		{
			// mbtowc(dest, src, n): one character.
			Name: "mbtowc", Category: "conv",
			Fn: func(h *Host) {
				src := h.Arg(1)
				if src == 0 {
					h.SetRet(0)
					return
				}
				buf := h.readBytes(src, 1)
				if len(buf) == 0 || buf[0] == 0 {
					h.SetRet(0)
					return
				}
				if dest := h.Arg(0); dest != 0 {
					if _, ok := h.writable(dest, 2); !ok {
						h.SetRet(h.Failure())
						return
					}
					h.CPU.MemWrite(dest, []byte{buf[0], 0})
				}
				h.SetRet(1)
			},
		},
		{
			// wctomb(dest, wc)
			Name: "wctomb", Category: "conv",
			Fn: func(h *Host) {
				dest := h.Arg(0)
				if dest == 0 {
					h.SetRet(0)
					return
				}
				if _, ok := h.writable(dest, 1); !ok {
					h.SetRet(h.Failure())
					return
				}
				h.CPU.MemWrite(dest, []byte{byte(h.Arg(1))})
				h.SetRet(1)
			},
		},
		{
			// MultiByteToWideChar(cp, flags, mbStr, cbMultiByte, wideStr,
			// cchWide). A zero output size queries the required length in
			// characters including the terminator.
			Name: "MultiByteToWideChar", Category: "conv",
			Fn: func(h *Host) {
				s := h.readSized(h.Arg(2), h.Arg(3))
				units := wideUnits(s)
				dest, cch := h.Arg(4), h.Arg(5)
				if cch == 0 || dest == 0 {
					h.SetRet(uint64(len(units)) + 1)
					return
				}
				units = truncateW(units, cch)
				if !h.WriteWString(dest, units) {
					h.SetRet(0)
					return
				}
				h.SetRet(uint64(len(units)) + 1)
			},
		},
		{
			// WideCharToMultiByte(cp, flags, wideStr, cchWide, mbStr,
			// cbMultiByte, ...)
			Name: "WideCharToMultiByte", Category: "conv",
			Fn: func(h *Host) {
				units := h.ReadWString(h.Arg(2))
				if cch := h.Arg(3); cch != ^uint64(0) && cch != 0xffffffff {
					units = truncateW(units, cch)
				}
				s := wideString(units)
				dest, cb := h.Arg(4), h.Arg(5)
				if cb == 0 || dest == 0 {
					h.SetRet(uint64(len(s)) + 1)
					return
				}
				s = truncate(s, cb)
				if !h.WriteCString(dest, s) {
					h.SetRet(0)
					return
				}
				h.SetRet(uint64(len(s)) + 1)
			},
		},
	}
}

// readSized reads a string given an explicit byte count, where the
// all-ones count means NUL-terminated.
func (h *Host) readSized(ptr, n uint64) string {
	if n == ^uint64(0) || n == 0xffffffff {
		return h.ReadCString(ptr)
	}
	buf := h.readBytes(ptr, n)
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
