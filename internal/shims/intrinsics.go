package shims

// Compiler-rt division helpers. These show up as direct calls in code
// built for targets without hardware divide; resolving them here keeps
// arithmetic-heavy paths from faulting into unmapped runtime code.
func intrinsicShims() []*Def {
	return []*Def{
		{Name: "__umodsi3", Category: "intrinsic", Fn: func(h *Host) {
			a, b := uint32(h.Arg(0)), uint32(h.Arg(1))
			if b == 0 {
				h.SetRet(0)
				return
			}
			h.SetRet(uint64(a % b))
		}},
		{Name: "__udivsi3", Category: "intrinsic", Fn: func(h *Host) {
			a, b := uint32(h.Arg(0)), uint32(h.Arg(1))
			if b == 0 {
				h.SetRet(0)
				return
			}
			h.SetRet(uint64(a / b))
		}},
		{Name: "__modsi3", Category: "intrinsic", Fn: func(h *Host) {
			a, b := int32(h.Arg(0)), int32(h.Arg(1))
			if b == 0 {
				h.SetRet(0)
				return
			}
			h.SetRet(uint64(uint32(a % b)))
		}},
		{Name: "__divsi3", Category: "intrinsic", Fn: func(h *Host) {
			a, b := int32(h.Arg(0)), int32(h.Arg(1))
			if b == 0 {
				h.SetRet(0)
				return
			}
			h.SetRet(uint64(uint32(a / b)))
		}},
	}
}
