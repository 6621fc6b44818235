package sacn

import "testing"

func TestRegistryAddReusesHandleForSameCID(t *testing.T) {
	r := newRemoteSourceRegistry()
	cid := testCID()

	h1, err := r.add(cid)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	h2, err := r.add(cid)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected same handle for same CID, got %d and %d", h1, h2)
	}
	if r.refcountOf(h1) != 2 {
		t.Fatalf("expected refcount 2, got %d", r.refcountOf(h1))
	}
}

func TestRegistryReleaseFreesHandle(t *testing.T) {
	r := newRemoteSourceRegistry()
	cid := testCID()

	h, _ := r.add(cid)
	r.release(h)

	if _, ok := r.cidOf(h); ok {
		t.Fatalf("expected handle to be freed after single release")
	}
	if _, ok := r.handleOf(cid); ok {
		t.Fatalf("expected CID lookup to fail after release")
	}
}

func TestRegistryDistinctCIDsGetDistinctHandles(t *testing.T) {
	r := newRemoteSourceRegistry()
	cidA := CID{1}
	cidB := CID{2}

	hA, _ := r.add(cidA)
	hB, _ := r.add(cidB)

	if hA == hB {
		t.Fatalf("expected distinct handles, got %d for both", hA)
	}
}

func TestRegistryRefcountSurvivesPartialRelease(t *testing.T) {
	r := newRemoteSourceRegistry()
	cid := testCID()

	h, _ := r.add(cid)
	r.add(cid)
	r.release(h)

	if _, ok := r.cidOf(h); !ok {
		t.Fatalf("handle should still be live after one of two references is released")
	}
}
