package script

import (
	"testing"

	"github.com/zboralski/drover/internal/emulator"
	"github.com/zboralski/drover/internal/guide"
)

const testScript = `
var hits = [];
function onTarget(ev) {
	hits.push(ev.argv[0]);
	hits.push(ev.reg("x5"));
}
function onCall(ev) {
	hits.push(ev.name);
}
`

func TestParseRequiresHooks(t *testing.T) {
	if _, err := Parse("empty.js", "var x = 1;"); err == nil {
		t.Fatal("script without hooks accepted")
	}
	if _, err := Parse("bad.js", "function onTarget("); err == nil {
		t.Fatal("syntax error accepted")
	}
}

func TestHooksBridgeState(t *testing.T) {
	e, err := Parse("test.js", testScript)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	h, err := guide.NewRaw(emulator.ARM64)
	if err != nil {
		t.Fatalf("NewRaw: %v", err)
	}
	defer h.Close()
	h.CPU.RegWrite("x5", 0x55)

	target := e.TargetHook()
	if target == nil {
		t.Fatal("no target hook")
	}
	target(h, nil, 0x1000, []uint64{7})

	call := e.CallHook()
	if call == nil {
		t.Fatal("no call hook")
	}
	call(h, nil, 0x1004, nil, "memcpy")

	var hits []any
	if err := e.vm.ExportTo(e.vm.Get("hits"), &hits); err != nil {
		t.Fatalf("export hits: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("hits = %v", hits)
	}
	if hits[2] != "memcpy" {
		t.Fatalf("call name = %v", hits[2])
	}
}
