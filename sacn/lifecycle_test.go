package sacn

import "testing"

func TestManagerNewReceiverFailsBeforeInit(t *testing.T) {
	m := NewManager(IPv4Only)
	_, err := m.NewReceiver(ReceiverConfig{Universe: 1})
	if err == nil {
		t.Fatalf("expected NewReceiver to fail before Init(FeatureNetworking)")
	}
}

func TestManagerInitDeinitRefcountIsIdempotent(t *testing.T) {
	m := NewManager(IPv4Only)

	if err := m.Init(FeatureNetworking); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := m.Init(FeatureNetworking); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if m.Sockets() == nil {
		t.Fatalf("expected SocketManager to be live after Init")
	}

	m.Deinit(FeatureNetworking)
	if m.Sockets() == nil {
		t.Fatalf("expected SocketManager to stay live after releasing only one of two references")
	}

	m.Deinit(FeatureNetworking)
	if m.Sockets() != nil {
		t.Fatalf("expected SocketManager torn down after releasing the last reference")
	}
}

func TestManagerDeinitWithoutInitIsSafe(t *testing.T) {
	m := NewManager(IPv4Only)
	m.Deinit(FeatureNetworking) // must not panic or underflow the refcount
	if m.Sockets() != nil {
		t.Fatalf("expected no SocketManager to exist")
	}
}

func TestManagerMergerFeatureRefcountIndependentOfNetworking(t *testing.T) {
	m := NewManager(IPv4Only)
	if err := m.Init(FeatureDMXMerger); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if m.Sockets() != nil {
		t.Fatalf("expected FeatureDMXMerger to not bring up networking")
	}
	m.Deinit(FeatureDMXMerger)
}
