package shims

import (
	"strings"
	"unicode/utf16"
)

// ReadWString reads the zero-terminated UTF-16LE string at ptr.
func (h *Host) ReadWString(ptr uint64) []uint16 {
	if ptr == 0 {
		return nil
	}
	var out []uint16
	for len(out) < maxCString/2 {
		chunk := h.readBytes(ptr+uint64(len(out))*2, 0x100)
		if len(chunk) < 2 {
			break
		}
		for i := 0; i+1 < len(chunk); i += 2 {
			u := uint16(chunk[i]) | uint16(chunk[i+1])<<8
			if u == 0 {
				return out
			}
			out = append(out, u)
		}
	}
	return out
}

// WriteWString writes units plus a terminator at dest as UTF-16LE. An
// all-or-nothing write: when the string does not fit inside the
// destination's region, nothing is written and false is returned.
func (h *Host) WriteWString(dest uint64, units []uint16) bool {
	buf := make([]byte, 0, (len(units)+1)*2)
	for _, u := range units {
		buf = append(buf, byte(u), byte(u>>8))
	}
	buf = append(buf, 0, 0)
	if _, ok := h.writable(dest, uint64(len(buf))); !ok {
		return false
	}
	return h.CPU.MemWrite(dest, buf) == nil
}

func wideString(units []uint16) string {
	return string(utf16.Decode(units))
}

func wideUnits(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

func truncateW(units []uint16, n uint64) []uint16 {
	if uint64(len(units)) > n {
		return units[:n]
	}
	return units
}

func wideShims() []*Def {
	return []*Def{
		{
			Name: "wcslen", Aliases: []string{"lstrlenW"}, Category: "wide",
			Fn: func(h *Host) {
				h.SetRet(uint64(len(h.ReadWString(h.Arg(0)))))
			},
		},
		{
			Name: "wcsnlen", Category: "wide",
			Fn: func(h *Host) {
				l := uint64(len(h.ReadWString(h.Arg(0))))
				if n := h.Arg(1); n < l {
					l = n
				}
				h.SetRet(l)
			},
		},
		{
			Name: "wcscmp", Aliases: []string{"lstrcmpW"}, Category: "wide",
			Fn: func(h *Host) {
				if !h.cmpReadable(h.Arg(0), h.Arg(1)) {
					h.SetRet(h.Failure())
					return
				}
				a := wideString(h.ReadWString(h.Arg(0)))
				b := wideString(h.ReadWString(h.Arg(1)))
				h.SetRet(cmpResult(strings.Compare(a, b)))
			},
		},
		{
			Name: "wcsncmp", Category: "wide",
			Fn: func(h *Host) {
				if !h.cmpReadable(h.Arg(0), h.Arg(1)) {
					h.SetRet(h.Failure())
					return
				}
				a := wideString(truncateW(h.ReadWString(h.Arg(0)), h.Arg(2)))
				b := wideString(truncateW(h.ReadWString(h.Arg(1)), h.Arg(2)))
				h.SetRet(cmpResult(strings.Compare(a, b)))
			},
		},
		{
			Name: "_wcsicmp", Aliases: []string{"wcscasecmp", "lstrcmpiW"}, Category: "wide",
			Fn: func(h *Host) {
				if !h.cmpReadable(h.Arg(0), h.Arg(1)) {
					h.SetRet(h.Failure())
					return
				}
				a := strings.ToLower(wideString(h.ReadWString(h.Arg(0))))
				b := strings.ToLower(wideString(h.ReadWString(h.Arg(1))))
				h.SetRet(cmpResult(strings.Compare(a, b)))
			},
		},
		{
			Name: "_wcsnicmp", Aliases: []string{"wcsncasecmp"}, Category: "wide",
			Fn: func(h *Host) {
				if !h.cmpReadable(h.Arg(0), h.Arg(1)) {
					h.SetRet(h.Failure())
					return
				}
				a := strings.ToLower(wideString(truncateW(h.ReadWString(h.Arg(0)), h.Arg(2))))
				b := strings.ToLower(wideString(truncateW(h.ReadWString(h.Arg(1)), h.Arg(2))))
				h.SetRet(cmpResult(strings.Compare(a, b)))
			},
		},
		{
			Name: "wcscpy", Aliases: []string{"lstrcpyW"}, Category: "wide",
			Fn: func(h *Host) {
				dest := h.Arg(0)
				if !h.WriteWString(dest, h.ReadWString(h.Arg(1))) {
					h.SetRet(h.Failure())
					return
				}
				h.SetRet(dest)
			},
		},
		{
			Name: "wcsncpy", Aliases: []string{"lstrcpynW"}, Category: "wide",
			Fn: func(h *Host) {
				dest := h.Arg(0)
				if !h.WriteWString(dest, truncateW(h.ReadWString(h.Arg(1)), h.Arg(2))) {
					h.SetRet(h.Failure())
					return
				}
				h.SetRet(dest)
			},
		},
		{
			Name: "wcscat", Aliases: []string{"lstrcatW"}, Category: "wide",
			Fn: func(h *Host) {
				dest := h.Arg(0)
				cur := h.ReadWString(dest)
				if !h.WriteWString(dest+uint64(len(cur))*2, h.ReadWString(h.Arg(1))) {
					h.SetRet(h.Failure())
					return
				}
				h.SetRet(dest)
			},
		},
		{
			Name: "wcsncat", Category: "wide",
			Fn: func(h *Host) {
				dest := h.Arg(0)
				cur := h.ReadWString(dest)
				if !h.WriteWString(dest+uint64(len(cur))*2, truncateW(h.ReadWString(h.Arg(1)), h.Arg(2))) {
					h.SetRet(h.Failure())
					return
				}
				h.SetRet(dest)
			},
		},
		{
			Name: "wcschr", Category: "wide",
			Fn: func(h *Host) {
				src := h.Arg(0)
				c := uint16(h.Arg(1))
				for i, u := range h.ReadWString(src) {
					if u == c {
						h.SetRet(src + uint64(i)*2)
						return
					}
				}
				h.SetRet(0)
			},
		},
		{
			Name: "wcsrchr", Category: "wide",
			Fn: func(h *Host) {
				src := h.Arg(0)
				c := uint16(h.Arg(1))
				units := h.ReadWString(src)
				for i := len(units) - 1; i >= 0; i-- {
					if units[i] == c {
						h.SetRet(src + uint64(i)*2)
						return
					}
				}
				h.SetRet(0)
			},
		},
		{
			Name: "wcsstr", Aliases: []string{"StrStrW"}, Category: "wide",
			Fn: func(h *Host) {
				src := h.Arg(0)
				hay := h.ReadWString(src)
				needle := h.ReadWString(h.Arg(1))
				if i := indexW(hay, needle); i >= 0 {
					h.SetRet(src + uint64(i)*2)
					return
				}
				h.SetRet(0)
			},
		},
		{
			Name: "_wcsdup", Aliases: []string{"wcsdup"}, Category: "wide",
			Fn: func(h *Host) {
				units := h.ReadWString(h.Arg(0))
				p := h.alloc(uint64(len(units)+1) * 2)
				if p != 0 {
					h.WriteWString(p, units)
				}
				h.SetRet(p)
			},
		},
		{
			Name: "_wcslwr", Aliases: []string{"wcslwr"}, Category: "wide",
			Fn: func(h *Host) {
				dest := h.Arg(0)
				if !h.WriteWString(dest, wideUnits(strings.ToLower(wideString(h.ReadWString(dest))))) {
					h.SetRet(h.Failure())
					return
				}
				h.SetRet(dest)
			},
		},
		{
			Name: "_wcsupr", Aliases: []string{"wcsupr"}, Category: "wide",
			Fn: func(h *Host) {
				dest := h.Arg(0)
				if !h.WriteWString(dest, wideUnits(strings.ToUpper(wideString(h.ReadWString(dest))))) {
					h.SetRet(h.Failure())
					return
				}
				h.SetRet(dest)
			},
		},
	}
}

func indexW(hay, needle []uint16) int {
	if len(needle) == 0 {
		return 0
	}
outer:
	for i := 0; i+len(needle) <= len(hay); i++ {
		for j, u := range needle {
			if hay[i+j] != u {
				continue outer
			}
		}
		return i
	}
	return -1
}
