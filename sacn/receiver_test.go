package sacn

import (
	"testing"
	"time"
)

// newTestReceiver builds a Receiver without touching real sockets or
// interfaces, for exercising the tracked-source/PAP/tick logic in isolation.
func newTestReceiver(t *testing.T, usePAP bool) *Receiver {
	t.Helper()
	return &Receiver{
		universe:       1,
		registry:       newRemoteSourceRegistry(),
		lossEngine:     newSourceLossEngine(),
		usePAP:         usePAP,
		tWait:          DefaultTWait,
		samplingIfaces: map[int]bool{1: true},
		tracked:        make(map[RemoteSourceHandle]*trackedSource),
		sampling:       false,
	}
}

func dataPkt(universe uint16, seq uint8, sc StartCode, slots []byte) DataPacket {
	return DataPacket{
		CID:        testCID(),
		SourceName: "src",
		Priority:   100,
		Universe:   universe,
		Sequence:   seq,
		StartCode:  sc,
		Slots:      slots,
	}
}

func TestReceiverDeliversDMXWithoutPAP(t *testing.T) {
	r := newTestReceiver(t, false)
	var got []byte
	r.callbacks.UniverseData = func(universe uint16, source RemoteSourceHandle, cid CID, name string, priority uint8, sc StartCode, slots []byte, sampling bool) {
		got = slots
	}

	r.HandlePacket(dataPkt(1, 0, StartCodeDMX, []byte{1, 2, 3}), 1)

	if len(got) != 3 || got[0] != 1 {
		t.Fatalf("expected DMX data delivered immediately without PAP enabled, got %v", got)
	}
}

func TestReceiverBuffersDMXWhileWaitingForPAP(t *testing.T) {
	r := newTestReceiver(t, true)
	delivered := false
	r.callbacks.UniverseData = func(universe uint16, source RemoteSourceHandle, cid CID, name string, priority uint8, sc StartCode, slots []byte, sampling bool) {
		delivered = true
	}

	r.HandlePacket(dataPkt(1, 0, StartCodeDMX, []byte{9}), 1)

	if delivered {
		t.Fatalf("expected DMX to be buffered until PAP state resolves")
	}

	var h RemoteSourceHandle
	for handle := range r.tracked {
		h = handle
	}
	if r.tracked[h].pap != papWaitingForPAP {
		t.Fatalf("expected WaitingForPAP state, got %v", r.tracked[h].pap)
	}
}

func TestReceiverPAPThenDMXTransitionsToHaveBoth(t *testing.T) {
	r := newTestReceiver(t, true)
	var codes []StartCode
	r.callbacks.UniverseData = func(universe uint16, source RemoteSourceHandle, cid CID, name string, priority uint8, sc StartCode, slots []byte, sampling bool) {
		codes = append(codes, sc)
	}

	r.HandlePacket(dataPkt(1, 0, StartCodePAP, make([]byte, 512)), 1)
	r.HandlePacket(dataPkt(1, 1, StartCodeDMX, []byte{1}), 1)

	if len(codes) != 2 || codes[0] != StartCodePAP || codes[1] != StartCodeDMX {
		t.Fatalf("expected PAP then DMX delivered in order, got %v", codes)
	}

	var h RemoteSourceHandle
	for handle := range r.tracked {
		h = handle
	}
	if r.tracked[h].pap != papHaveDMXAndPAP {
		t.Fatalf("expected HaveDMXAndPAP state, got %v", r.tracked[h].pap)
	}
}

func TestReceiverRejectsStaleSequence(t *testing.T) {
	r := newTestReceiver(t, false)
	count := 0
	r.callbacks.UniverseData = func(universe uint16, source RemoteSourceHandle, cid CID, name string, priority uint8, sc StartCode, slots []byte, sampling bool) {
		count++
	}

	r.HandlePacket(dataPkt(1, 10, StartCodeDMX, []byte{1}), 1)
	r.HandlePacket(dataPkt(1, 10, StartCodeDMX, []byte{1}), 1) // duplicate: delta 0
	r.HandlePacket(dataPkt(1, 9, StartCodeDMX, []byte{1}), 1)  // stale: delta wraps to 255

	if count != 1 {
		t.Fatalf("expected only the first packet to be delivered, got %d deliveries", count)
	}
}

func TestReceiverAcceptsWrappedSequence(t *testing.T) {
	r := newTestReceiver(t, false)
	count := 0
	r.callbacks.UniverseData = func(universe uint16, source RemoteSourceHandle, cid CID, name string, priority uint8, sc StartCode, slots []byte, sampling bool) {
		count++
	}

	r.HandlePacket(dataPkt(1, 250, StartCodeDMX, []byte{1}), 1)
	r.HandlePacket(dataPkt(1, 3, StartCodeDMX, []byte{1}), 1) // wraps past 255, delta = 9

	if count != 2 {
		t.Fatalf("expected sequence wraparound to be accepted, got %d deliveries", count)
	}
}

func TestReceiverTerminatedPacketEmitsSourcesLost(t *testing.T) {
	r := newTestReceiver(t, false)
	var lost []LostSource
	r.callbacks.SourcesLost = func(universe uint16, l []LostSource) { lost = l }

	r.HandlePacket(dataPkt(1, 0, StartCodeDMX, []byte{1}), 1)
	pkt := dataPkt(1, 1, StartCodeDMX, []byte{1})
	pkt.Terminated = true
	r.HandlePacket(pkt, 1)

	if len(lost) != 1 || !lost[0].Terminated {
		t.Fatalf("expected terminated source-lost notification, got %+v", lost)
	}
	if len(r.tracked) != 0 {
		t.Fatalf("expected tracked source to be removed, %d remain", len(r.tracked))
	}
}

func TestReceiverSourceCountCapEnforced(t *testing.T) {
	r := newTestReceiver(t, false)
	r.sourceCountMax = 1
	limitHit := false
	r.callbacks.SourceLimitExceeded = func(universe uint16) { limitHit = true }

	cidA := CID{1}
	cidB := CID{2}
	pktA := dataPkt(1, 0, StartCodeDMX, []byte{1})
	pktA.CID = cidA
	pktB := dataPkt(1, 0, StartCodeDMX, []byte{1})
	pktB.CID = cidB

	r.HandlePacket(pktA, 1)
	r.HandlePacket(pktB, 1)

	if !limitHit {
		t.Fatalf("expected source limit exceeded callback to fire")
	}
	if len(r.tracked) != 1 {
		t.Fatalf("expected exactly one tracked source, got %d", len(r.tracked))
	}
}

func TestReceiverTickExpiresSilentSource(t *testing.T) {
	r := newTestReceiver(t, false)
	r.tWait = time.Millisecond

	r.HandlePacket(dataPkt(1, 0, StartCodeDMX, []byte{1}), 1)

	var h RemoteSourceHandle
	for handle := range r.tracked {
		h = handle
	}
	r.tracked[h].packetDeadline = time.Now().Add(-time.Second) // force expiry
	r.tracked[h].dmxThisTick = false                          // no DMX since the last tick

	var lost []LostSource
	r.callbacks.SourcesLost = func(universe uint16, l []LostSource) { lost = l }

	r.Tick()
	time.Sleep(2 * time.Millisecond)
	r.Tick()

	if len(lost) != 1 {
		t.Fatalf("expected source to be reported lost after two ticks past its deadline and wait time, got %d", len(lost))
	}
}
