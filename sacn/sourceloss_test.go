package sacn

import (
	"testing"
	"time"
)

func TestSourceLossMarkOfflineCreatesTerminationSet(t *testing.T) {
	e := newSourceLossEngine()
	var sets []*TerminationSet

	e.markSourcesOffline(1, []OfflineSource{{Handle: 5, Name: "a"}}, nil, &sets, time.Millisecond)
	if len(sets) != 1 {
		t.Fatalf("expected one termination set, got %d", len(sets))
	}
	if len(sets[0].sources) != 1 {
		t.Fatalf("expected one member, got %d", len(sets[0].sources))
	}
}

func TestSourceLossOfflineAbsorbsUnknownMembers(t *testing.T) {
	e := newSourceLossEngine()
	var sets []*TerminationSet

	e.markSourcesOffline(1,
		[]OfflineSource{{Handle: 5, Name: "a"}},
		[]UnknownSource{{Handle: 6, Name: "b"}, {Handle: 7, Name: "c"}},
		&sets, time.Millisecond)

	if len(sets) != 1 {
		t.Fatalf("expected one termination set, got %d", len(sets))
	}
	if len(sets[0].sources) != 3 {
		t.Fatalf("expected three members (1 offline + 2 unknown), got %d", len(sets[0].sources))
	}
}

func TestSourceLossOnlineRemovesMemberAndClearsEmptySet(t *testing.T) {
	e := newSourceLossEngine()
	var sets []*TerminationSet

	e.markSourcesOffline(1, []OfflineSource{{Handle: 5, Name: "a"}}, nil, &sets, time.Millisecond)
	e.markSourcesOnline(1, []RemoteSourceHandle{5}, &sets)

	if len(sets) != 0 {
		t.Fatalf("expected termination set to be dropped once its only member returns online, got %d sets", len(sets))
	}
}

func TestSourceLossExpiryRequiresAllMembersOffline(t *testing.T) {
	e := newSourceLossEngine()
	var sets []*TerminationSet

	e.markSourcesOffline(1,
		[]OfflineSource{{Handle: 5, Name: "a"}},
		[]UnknownSource{{Handle: 6, Name: "b"}},
		&sets, time.Nanosecond)

	time.Sleep(time.Millisecond)

	lost := e.getExpiredSources(&sets)
	if len(lost) != 0 {
		t.Fatalf("expected no expiry while a member is still unknown, got %d", len(lost))
	}

	e.markSourcesOffline(1, []OfflineSource{{Handle: 6, Name: "b"}}, nil, &sets, time.Nanosecond)
	time.Sleep(time.Millisecond)

	lost = e.getExpiredSources(&sets)
	if len(lost) != 2 {
		t.Fatalf("expected both members to expire once all are offline, got %d", len(lost))
	}
}

func TestSourceLossAtMostOneSetPerHandleUniversePair(t *testing.T) {
	e := newSourceLossEngine()
	var sets []*TerminationSet

	e.markSourcesOffline(1, []OfflineSource{{Handle: 5, Name: "a"}}, nil, &sets, time.Millisecond)
	e.markSourcesOffline(1, []OfflineSource{{Handle: 5, Name: "a"}}, nil, &sets, time.Millisecond)

	if len(sets) != 1 {
		t.Fatalf("expected offline handle to stay in exactly one set, got %d sets", len(sets))
	}
}

func TestSourceLossDetachReceiverClearsIndexWithoutExpiry(t *testing.T) {
	e := newSourceLossEngine()
	var sets []*TerminationSet

	e.markSourcesOffline(1, []OfflineSource{{Handle: 5, Name: "a"}}, nil, &sets, time.Millisecond)
	e.detachReceiver(sets)

	// A handle freed by detachReceiver must be immediately reusable by a new
	// termination set without colliding with stale index state.
	var sets2 []*TerminationSet
	e.markSourcesOffline(1, []OfflineSource{{Handle: 5, Name: "a"}}, nil, &sets2, time.Millisecond)
	if len(sets2[0].sources) != 1 {
		t.Fatalf("expected fresh termination set after detach, got %d members", len(sets2[0].sources))
	}
}
