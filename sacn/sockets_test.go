package sacn

import (
	"net"
	"testing"
)

func TestDefaultBindPolicy(t *testing.T) {
	if DefaultBindPolicy("linux") != BindLimited {
		t.Fatalf("expected BindLimited on linux")
	}
	if DefaultBindPolicy("darwin") != BindAll {
		t.Fatalf("expected BindAll on non-linux platforms")
	}
	if DefaultBindPolicy("windows") != BindAll {
		t.Fatalf("expected BindAll on windows")
	}
}

func TestSocketRefFullAtGroupCap(t *testing.T) {
	ref := &SocketRef{groups: make(map[groupKey]struct{})}
	for i := 0; i < maxGroupsPerSocket; i++ {
		ref.groups[groupKey{universe: uint16(i), ifIndex: 1}] = struct{}{}
		if ref.full() {
			t.Fatalf("ref reported full with only %d of %d groups", i+1, maxGroupsPerSocket)
		}
	}
	ref.groups[groupKey{universe: 9999, ifIndex: 1}] = struct{}{}
	if !ref.full() {
		t.Fatalf("expected ref to report full at %d groups", maxGroupsPerSocket+1)
	}
}

func TestAcquireSocketRefReusesRefWithRoom(t *testing.T) {
	m := NewSocketManager(BindAll, IPv4Only, 0)
	a, err := m.AcquireSocketRef(familyV4)
	if err != nil {
		t.Fatalf("AcquireSocketRef: %v", err)
	}
	b, err := m.AcquireSocketRef(familyV4)
	if err != nil {
		t.Fatalf("AcquireSocketRef: %v", err)
	}
	if a != b {
		t.Fatalf("expected the same ref to be reused while it has room")
	}
	if a.refcount != 2 {
		t.Fatalf("expected refcount 2, got %d", a.refcount)
	}
}

func TestAcquireSocketRefCreatesNewOnceFull(t *testing.T) {
	m := NewSocketManager(BindAll, IPv4Only, 0)
	ref, _ := m.AcquireSocketRef(familyV4)
	for i := 0; i < maxGroupsPerSocket; i++ {
		ref.groups[groupKey{universe: uint16(i), ifIndex: 1}] = struct{}{}
	}

	other, err := m.AcquireSocketRef(familyV4)
	if err != nil {
		t.Fatalf("AcquireSocketRef: %v", err)
	}
	if other == ref {
		t.Fatalf("expected a new ref once the first is full")
	}
}

func TestAcquireSocketRefBindLimitedSharesOneSocket(t *testing.T) {
	m := NewSocketManager(BindLimited, IPv4Only, 0)
	a, _ := m.AcquireSocketRef(familyV4)
	for i := 0; i < maxGroupsPerSocket+5; i++ {
		a.groups[groupKey{universe: uint16(i), ifIndex: 1}] = struct{}{}
	}
	b, err := m.AcquireSocketRef(familyV4)
	if err != nil {
		t.Fatalf("AcquireSocketRef: %v", err)
	}
	if a != b {
		t.Fatalf("expected BindLimited to always reuse the one shared socket regardless of group count")
	}
}

func TestReleaseSocketRefQueuesCloseAtZeroRefcount(t *testing.T) {
	m := NewSocketManager(BindAll, IPv4Only, 0)
	ref, _ := m.AcquireSocketRef(familyV4)
	m.AcquireSocketRef(familyV4) // refcount 2, same ref since not full

	m.ReleaseSocketRef(ref)
	if len(m.deadSockets) != 0 {
		t.Fatalf("expected ref to survive while refcount > 0")
	}

	m.ReleaseSocketRef(ref)
	if len(m.deadSockets) != 1 {
		t.Fatalf("expected ref queued for close once refcount reaches zero")
	}
	if _, tracked := m.refs[ref.ID]; tracked {
		t.Fatalf("expected ref removed from the live set once dead")
	}
}

func TestEnqueueSubscribeCancelsPendingUnsubscribe(t *testing.T) {
	m := NewSocketManager(BindAll, IPv4Only, 0)
	ref := &SocketRef{ID: "x"}
	iface := &net.Interface{Index: 1}
	group := net.ParseIP("239.255.0.1")

	m.EnqueueUnsubscribe(ref, 1, iface, 1, group)
	m.EnqueueSubscribe(ref, 1, iface, 1, group)

	if len(m.pendingUnsubscribe) != 0 || len(m.pendingSubscribe) != 0 {
		t.Fatalf("expected subscribe/unsubscribe pair to cancel out, got %d unsub, %d sub",
			len(m.pendingUnsubscribe), len(m.pendingSubscribe))
	}
}

func TestEnqueueUnsubscribeCancelsPendingSubscribe(t *testing.T) {
	m := NewSocketManager(BindAll, IPv4Only, 0)
	ref := &SocketRef{ID: "x"}
	iface := &net.Interface{Index: 2}
	group := net.ParseIP("239.255.0.2")

	m.EnqueueSubscribe(ref, 2, iface, 2, group)
	m.EnqueueUnsubscribe(ref, 2, iface, 2, group)

	if len(m.pendingUnsubscribe) != 0 || len(m.pendingSubscribe) != 0 {
		t.Fatalf("expected subscribe/unsubscribe pair to cancel out, got %d unsub, %d sub",
			len(m.pendingUnsubscribe), len(m.pendingSubscribe))
	}
}

func TestEnqueueSubscribeDistinctInterfacesDoNotCancel(t *testing.T) {
	m := NewSocketManager(BindAll, IPv4Only, 0)
	ref := &SocketRef{ID: "x"}
	group := net.ParseIP("239.255.0.3")

	m.EnqueueUnsubscribe(ref, 3, &net.Interface{Index: 1}, 1, group)
	m.EnqueueSubscribe(ref, 3, &net.Interface{Index: 2}, 2, group)

	if len(m.pendingUnsubscribe) != 1 || len(m.pendingSubscribe) != 1 {
		t.Fatalf("expected no cancellation across distinct interfaces, got %d unsub, %d sub",
			len(m.pendingUnsubscribe), len(m.pendingSubscribe))
	}
}
