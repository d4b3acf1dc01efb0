package vomp

import (
	"testing"

	"github.com/gardners/meshcore/pkg/meshcore/types"
)

func sidFor(b byte) types.SID {
	var s types.SID
	s[0] = b
	return s
}

func TestTable_FindOrCreate_AllocatesOnCallPrep(t *testing.T) {
	table := NewTable(MaxCalls)
	local, remote := sidFor(1), sidFor(2)

	call, err := table.FindOrCreate(remote, local, 0, 0, CallPrep, NoCall, false, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if call == nil {
		t.Fatalf("expected a new call to be allocated")
	}
	if !call.Local.Session.Valid() {
		t.Fatalf("allocated call must have a valid 24-bit non-zero session")
	}
	if table.Count() != 1 {
		t.Fatalf("expected 1 live call, got %d", table.Count())
	}
}

func TestTable_FindOrCreate_NoMatchNoCallPrepReturnsNil(t *testing.T) {
	table := NewTable(MaxCalls)
	local, remote := sidFor(1), sidFor(2)

	call, err := table.FindOrCreate(remote, local, 0, 0, RingingOut, NoCall, false, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if call != nil {
		t.Fatalf("expected no call allocated for a non-CALLPREP opening frame")
	}
	if table.Count() != 0 {
		t.Fatalf("table must remain empty, got %d", table.Count())
	}
}

func TestTable_FindOrCreate_EitherCallEndedReturnsNil(t *testing.T) {
	table := NewTable(MaxCalls)
	local, remote := sidFor(1), sidFor(2)

	call, err := table.FindOrCreate(remote, local, 0, 0, CallEnded, CallPrep, false, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if call != nil {
		t.Fatalf("expected nil when either side already reports CALLENDED")
	}
}

func TestTable_FindOrCreate_SessionsAreUniqueAcrossCalls(t *testing.T) {
	table := NewTable(MaxCalls)
	seen := make(map[types.Session]bool)

	for i := 0; i < 10; i++ {
		local, remote := sidFor(byte(i)), sidFor(byte(i+100))
		call, err := table.FindOrCreate(remote, local, 0, 0, CallPrep, NoCall, false, false)
		if err != nil {
			t.Fatalf("unexpected error on call %d: %v", i, err)
		}
		if seen[call.Local.Session] {
			t.Fatalf("duplicate session %06x allocated", call.Local.Session)
		}
		seen[call.Local.Session] = true
	}
}

func TestTable_Destroy_CompactsBySwappingTail(t *testing.T) {
	table := NewTable(MaxCalls)
	var calls []*Call
	for i := 0; i < 3; i++ {
		local, remote := sidFor(byte(i)), sidFor(byte(i+100))
		call, err := table.FindOrCreate(remote, local, 0, 0, CallPrep, NoCall, false, false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		calls = append(calls, call)
	}

	tail := calls[2]
	moved, ok := table.Destroy(calls[0])
	if !ok || moved != tail {
		t.Fatalf("expected tail call to move into the vacated slot")
	}
	if table.Count() != 2 {
		t.Fatalf("expected 2 live calls after destroy, got %d", table.Count())
	}
	if table.At(0) != tail {
		t.Fatalf("expected the former tail at index 0 after compaction")
	}
}

func TestTable_CallTableFullRejectsNewCalls(t *testing.T) {
	table := NewTable(2)
	for i := 0; i < 2; i++ {
		local, remote := sidFor(byte(i)), sidFor(byte(i+100))
		if _, err := table.FindOrCreate(remote, local, 0, 0, CallPrep, NoCall, false, false); err != nil {
			t.Fatalf("unexpected error seeding call %d: %v", i, err)
		}
	}

	local, remote := sidFor(99), sidFor(199)
	_, err := table.FindOrCreate(remote, local, 0, 0, CallPrep, NoCall, false, false)
	if err != types.ErrCallTableFull {
		t.Fatalf("expected ErrCallTableFull, got %v", err)
	}
}
