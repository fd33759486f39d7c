// Package script binds JavaScript hook files to emulation runs. A script
// defines onTarget and/or onCall functions; each invocation receives an
// event object carrying the hit address, the argument registers, and
// accessors into emulated state. This keeps one-off triage logic out of
// recompiles.
package script

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dop251/goja"

	"github.com/zboralski/drover/internal/guide"
	"github.com/zboralski/drover/internal/log"
)

// Engine is one loaded hook script.
type Engine struct {
	vm       *goja.Runtime
	onTarget goja.Callable
	onCall   goja.Callable
}

// Load reads and evaluates the script at path. The script's global scope
// gets log(msg) and hex(v) helpers.
func Load(path string) (*Engine, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return Parse(filepath.Base(path), string(src))
}

// Parse evaluates script source under the given name.
func Parse(name, src string) (*Engine, error) {
	vm := goja.New()
	vm.Set("log", func(msg string) { log.L.Info(msg) })
	vm.Set("hex", func(v uint64) string { return log.Hex(v) })
	if _, err := vm.RunScript(name, src); err != nil {
		return nil, fmt.Errorf("evaluate script %s: %w", name, err)
	}
	e := &Engine{vm: vm}
	if fn, ok := goja.AssertFunction(vm.Get("onTarget")); ok {
		e.onTarget = fn
	}
	if fn, ok := goja.AssertFunction(vm.Get("onCall")); ok {
		e.onCall = fn
	}
	if e.onTarget == nil && e.onCall == nil {
		return nil, fmt.Errorf("script %s defines neither onTarget nor onCall", name)
	}
	return e, nil
}

// TargetHook adapts the script's onTarget function, or returns nil when
// the script does not define one.
func (e *Engine) TargetHook() guide.TargetHook {
	if e.onTarget == nil {
		return nil
	}
	return func(h *guide.Helper, ctx *guide.Context, addr uint64, argv []uint64) {
		if _, err := e.onTarget(goja.Undefined(), e.vm.ToValue(e.event(h, addr, argv, ""))); err != nil {
			log.L.Warn("onTarget failed", log.Addr(addr), log.Fn("onTarget"))
		}
	}
}

// CallHook adapts the script's onCall function, or returns nil when the
// script does not define one.
func (e *Engine) CallHook() guide.CallHook {
	if e.onCall == nil {
		return nil
	}
	return func(h *guide.Helper, ctx *guide.Context, addr uint64, argv []uint64, name string) {
		if _, err := e.onCall(goja.Undefined(), e.vm.ToValue(e.event(h, addr, argv, name))); err != nil {
			log.L.Warn("onCall failed", log.Addr(addr), log.Fn(name))
		}
	}
}

// event builds the object handed to script hooks.
func (e *Engine) event(h *guide.Helper, addr uint64, argv []uint64, name string) map[string]any {
	return map[string]any{
		"addr": addr,
		"argv": argv,
		"name": name,
		"reg": func(n string) uint64 {
			return h.CPU.RegRead(n)
		},
		"readString": func(p uint64) string {
			return h.ReadCString(p)
		},
		"readWString": func(p uint64) string {
			return h.ReadWString(p)
		},
		"readBytes": func(p, n uint64) []byte {
			buf, err := h.CPU.MemRead(p, n)
			if err != nil {
				return nil
			}
			return buf
		},
	}
}
