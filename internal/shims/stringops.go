package shims

import (
	"bytes"
	"strings"
)

// maxCString bounds string reads so an unterminated buffer cannot walk
// the whole address space.
const maxCString = 0x10000

// ReadCString reads the NUL-terminated string at ptr.
func (h *Host) ReadCString(ptr uint64) string {
	if ptr == 0 {
		return ""
	}
	var out []byte
	for len(out) < maxCString {
		chunk := h.readBytes(ptr+uint64(len(out)), 0x100)
		if len(chunk) == 0 {
			break
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return string(append(out, chunk[:i]...))
		}
		out = append(out, chunk...)
	}
	return string(out)
}

// WriteCString writes s plus a terminator at dest. An all-or-nothing
// write: when the string does not fit inside the destination's region,
// nothing is written and false is returned.
func (h *Host) WriteCString(dest uint64, s string) bool {
	buf := append([]byte(s), 0)
	if _, ok := h.writable(dest, uint64(len(buf))); !ok {
		return false
	}
	return h.CPU.MemWrite(dest, buf) == nil
}

func stringShims() []*Def {
	return []*Def{
		{
			Name: "strlen", Aliases: []string{"lstrlen", "lstrlenA", "_mbslen", "_mbstrlen"}, Category: "string",
			Fn: func(h *Host) {
				h.SetRet(uint64(len(h.ReadCString(h.Arg(0)))))
			},
		},
		{
			Name: "strnlen", Aliases: []string{"_mbsnlen"}, Category: "string",
			Fn: func(h *Host) {
				s := h.ReadCString(h.Arg(0))
				n := h.Arg(1)
				if uint64(len(s)) < n {
					n = uint64(len(s))
				}
				h.SetRet(n)
			},
		},
		{
			Name: "strcmp", Aliases: []string{"lstrcmp", "lstrcmpA", "_mbscmp"}, Category: "string",
			Fn: func(h *Host) {
				if !h.cmpReadable(h.Arg(0), h.Arg(1)) {
					h.SetRet(h.Failure())
					return
				}
				h.SetRet(cmpResult(strings.Compare(h.ReadCString(h.Arg(0)), h.ReadCString(h.Arg(1)))))
			},
		},
		{
			Name: "strncmp", Aliases: []string{"_mbsncmp"}, Category: "string",
			Fn: func(h *Host) {
				if !h.cmpReadable(h.Arg(0), h.Arg(1)) {
					h.SetRet(h.Failure())
					return
				}
				a := truncate(h.ReadCString(h.Arg(0)), h.Arg(2))
				b := truncate(h.ReadCString(h.Arg(1)), h.Arg(2))
				h.SetRet(cmpResult(strings.Compare(a, b)))
			},
		},
		{
			Name: "_stricmp", Aliases: []string{"strcmpi", "_strcmpi", "strcasecmp", "lstrcmpi", "lstrcmpiA", "_mbsicmp"}, Category: "string",
			Fn: func(h *Host) {
				if !h.cmpReadable(h.Arg(0), h.Arg(1)) {
					h.SetRet(h.Failure())
					return
				}
				a := strings.ToLower(h.ReadCString(h.Arg(0)))
				b := strings.ToLower(h.ReadCString(h.Arg(1)))
				h.SetRet(cmpResult(strings.Compare(a, b)))
			},
		},
		{
			Name: "_strnicmp", Aliases: []string{"strncasecmp", "_mbsnicmp"}, Category: "string",
			Fn: func(h *Host) {
				if !h.cmpReadable(h.Arg(0), h.Arg(1)) {
					h.SetRet(h.Failure())
					return
				}
				a := strings.ToLower(truncate(h.ReadCString(h.Arg(0)), h.Arg(2)))
				b := strings.ToLower(truncate(h.ReadCString(h.Arg(1)), h.Arg(2)))
				h.SetRet(cmpResult(strings.Compare(a, b)))
			},
		},
		{
			Name: "strcpy", Aliases: []string{"lstrcpy", "lstrcpyA", "_mbscpy"}, Category: "string",
			Fn: func(h *Host) {
				dest := h.Arg(0)
				if !h.WriteCString(dest, h.ReadCString(h.Arg(1))) {
					h.SetRet(h.Failure())
					return
				}
				h.SetRet(dest)
			},
		},
		{
			Name: "strncpy", Aliases: []string{"lstrcpyn", "lstrcpynA", "_mbsncpy"}, Category: "string",
			Fn: func(h *Host) {
				dest := h.Arg(0)
				if !h.WriteCString(dest, truncate(h.ReadCString(h.Arg(1)), h.Arg(2))) {
					h.SetRet(h.Failure())
					return
				}
				h.SetRet(dest)
			},
		},
		{
			Name: "strcat", Aliases: []string{"lstrcat", "lstrcatA", "_mbscat"}, Category: "string",
			Fn: func(h *Host) {
				dest := h.Arg(0)
				cur := h.ReadCString(dest)
				if !h.WriteCString(dest+uint64(len(cur)), h.ReadCString(h.Arg(1))) {
					h.SetRet(h.Failure())
					return
				}
				h.SetRet(dest)
			},
		},
		{
			Name: "strncat", Aliases: []string{"_mbsncat"}, Category: "string",
			Fn: func(h *Host) {
				dest := h.Arg(0)
				cur := h.ReadCString(dest)
				if !h.WriteCString(dest+uint64(len(cur)), truncate(h.ReadCString(h.Arg(1)), h.Arg(2))) {
					h.SetRet(h.Failure())
					return
				}
				h.SetRet(dest)
			},
		},
		{
			Name: "strchr", Aliases: []string{"_mbschr"}, Category: "string",
			Fn: func(h *Host) {
				src := h.Arg(0)
				s := h.ReadCString(src)
				if i := strings.IndexByte(s, byte(h.Arg(1))); i >= 0 {
					h.SetRet(src + uint64(i))
					return
				}
				h.SetRet(0)
			},
		},
		{
			Name: "strrchr", Aliases: []string{"_mbsrchr"}, Category: "string",
			Fn: func(h *Host) {
				src := h.Arg(0)
				s := h.ReadCString(src)
				if i := strings.LastIndexByte(s, byte(h.Arg(1))); i >= 0 {
					h.SetRet(src + uint64(i))
					return
				}
				h.SetRet(0)
			},
		},
		{
			Name: "strstr", Aliases: []string{"StrStr", "StrStrA", "_mbsstr"}, Category: "string",
			Fn: func(h *Host) {
				src := h.Arg(0)
				s := h.ReadCString(src)
				if i := strings.Index(s, h.ReadCString(h.Arg(1))); i >= 0 {
					h.SetRet(src + uint64(i))
					return
				}
				h.SetRet(0)
			},
		},
		{
			Name: "strdup", Aliases: []string{"_strdup", "_mbsdup"}, Category: "string",
			Fn: func(h *Host) {
				s := h.ReadCString(h.Arg(0))
				p := h.alloc(uint64(len(s)) + 1)
				if p != 0 {
					h.WriteCString(p, s)
				}
				h.SetRet(p)
			},
		},
		{
			Name: "_strlwr", Aliases: []string{"strlwr", "_mbslwr"}, Category: "string",
			Fn: func(h *Host) {
				dest := h.Arg(0)
				if !h.WriteCString(dest, strings.ToLower(h.ReadCString(dest))) {
					h.SetRet(h.Failure())
					return
				}
				h.SetRet(dest)
			},
		},
		{
			Name: "_strupr", Aliases: []string{"strupr", "_mbsupr"}, Category: "string",
			Fn: func(h *Host) {
				dest := h.Arg(0)
				if !h.WriteCString(dest, strings.ToUpper(h.ReadCString(dest))) {
					h.SetRet(h.Failure())
					return
				}
				h.SetRet(dest)
			},
		},
	}
}

func truncate(s string, n uint64) string {
	if uint64(len(s)) > n {
		return s[:n]
	}
	return s
}
