package sacn

import "testing"

func TestMergerHigherUniversePriorityWins(t *testing.T) {
	out := &MergerOutput{}
	m := NewMerger(out)

	m.AddSource(1, 100)
	m.AddSource(2, 150)

	levelsA := make([]byte, DMXAddressCount)
	levelsA[0] = 50
	levelsB := make([]byte, DMXAddressCount)
	levelsB[0] = 10

	m.UpdateLevels(1, levelsA)
	m.UpdateLevels(2, levelsB)

	if out.Levels[0] != 10 {
		t.Fatalf("expected source 2 (higher priority) to win slot 0 with level 10, got %d", out.Levels[0])
	}
	if out.Owners[0] != 2 {
		t.Fatalf("expected source 2 to own slot 0, got %d", out.Owners[0])
	}
}

func TestMergerEqualPriorityHighestLevelWins(t *testing.T) {
	out := &MergerOutput{}
	m := NewMerger(out)
	m.AddSource(1, 100)
	m.AddSource(2, 100)

	a := make([]byte, DMXAddressCount)
	a[0] = 50
	b := make([]byte, DMXAddressCount)
	b[0] = 200

	m.UpdateLevels(1, a)
	m.UpdateLevels(2, b)

	if out.Levels[0] != 200 {
		t.Fatalf("expected higher level (HTP) to win at equal priority, got %d", out.Levels[0])
	}
	if out.Owners[0] != 2 {
		t.Fatalf("expected source 2 to own slot 0, got %d", out.Owners[0])
	}
}

func TestMergerPerAddressPriorityOverridesUniverse(t *testing.T) {
	out := &MergerOutput{}
	m := NewMerger(out)
	m.AddSource(1, 200) // higher universe priority
	m.AddSource(2, 50)

	a := make([]byte, DMXAddressCount)
	a[0] = 10
	b := make([]byte, DMXAddressCount)
	b[0] = 99

	m.UpdateLevels(1, a)
	m.UpdateLevels(2, b)

	pap := make([]byte, DMXAddressCount)
	pap[0] = 255 // source 2 claims max per-address priority at slot 0
	m.UpdatePAP(2, pap)

	if out.Levels[0] != 99 {
		t.Fatalf("expected per-address priority to override universe priority, got level %d", out.Levels[0])
	}
	if !out.PAPActive {
		t.Fatalf("expected PAPActive to be true once any source uses per-address priority")
	}
}

func TestMergerRemoveSourceClearsSlots(t *testing.T) {
	out := &MergerOutput{}
	m := NewMerger(out)
	m.AddSource(1, 100)
	levels := make([]byte, DMXAddressCount)
	levels[0] = 77
	m.UpdateLevels(1, levels)

	m.RemoveSource(1)

	if out.Levels[0] != 0 {
		t.Fatalf("expected slot to clear after its only source is removed, got %d", out.Levels[0])
	}
	if out.Owners[0] != InvalidRemoteSourceHandle {
		t.Fatalf("expected owner to be invalid after removal, got %d", out.Owners[0])
	}
}

func TestMergerRemovePAPRevertsToUniversePriority(t *testing.T) {
	out := &MergerOutput{}
	m := NewMerger(out)
	m.AddSource(1, 50)
	m.AddSource(2, 100)

	a := make([]byte, DMXAddressCount)
	a[0] = 5
	b := make([]byte, DMXAddressCount)
	b[0] = 9
	m.UpdateLevels(1, a)
	m.UpdateLevels(2, b)

	pap := make([]byte, DMXAddressCount)
	pap[0] = 255
	m.UpdatePAP(1, pap) // source 1 now outranks source 2 at slot 0
	if out.Levels[0] != 5 {
		t.Fatalf("expected source 1 to win via PAP, got %d", out.Levels[0])
	}

	m.RemovePAP(1)
	if out.Levels[0] != 9 {
		t.Fatalf("expected source 2 to win again once PAP is withdrawn, got %d", out.Levels[0])
	}
}

func TestMergerSourceWithoutLevelNeverWins(t *testing.T) {
	out := &MergerOutput{}
	m := NewMerger(out)
	m.AddSource(1, 200)
	m.AddSource(2, 1)

	b := make([]byte, DMXAddressCount)
	b[0] = 42
	m.UpdateLevels(2, b)

	if out.Owners[0] != 2 {
		t.Fatalf("expected source 2 to win since source 1 never sent levels, got owner %d", out.Owners[0])
	}
}
