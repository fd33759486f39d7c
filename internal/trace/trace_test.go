package trace

import (
	"strings"
	"testing"
)

func TestRecorderOrderAndFilter(t *testing.T) {
	r := &Recorder{}
	r.Record(New(RunStart, 0x1000, "sub_1000", ""))
	r.Record(New(Call, 0x1004, "malloc", "").WithArgv([]uint64{0x20}))
	r.Record(New(TargetHit, 0x1014, "sub_1000", "hit"))
	r.Record(New(Call, 0x1018, "free", ""))

	if r.Len() != 4 {
		t.Fatalf("Len = %d", r.Len())
	}
	events := r.Events()
	if events[0].Kind != RunStart || events[3].Name != "free" {
		t.Fatalf("events out of order: %v", events)
	}
	calls := r.ByKind(Call)
	if len(calls) != 2 || calls[0].Name != "malloc" || calls[1].Name != "free" {
		t.Fatalf("ByKind(Call) = %v", calls)
	}
	if len(calls[0].Argv) != 1 || calls[0].Argv[0] != 0x20 {
		t.Fatalf("argv not retained: %v", calls[0].Argv)
	}
}

func TestEventString(t *testing.T) {
	e := New(TargetHit, 0x401234, "decrypt", `"secret"`)
	s := e.String()
	if !strings.Contains(s, "00401234") || !strings.Contains(s, "decrypt") || !strings.Contains(s, `"secret"`) {
		t.Fatalf("String = %q", s)
	}
}
