package sacn

import (
	"bytes"
	"testing"
)

func testCID() CID {
	return CID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
}

func TestBuildParseDataPacketRoundtrip(t *testing.T) {
	slots := make([]byte, 512)
	for i := range slots {
		slots[i] = byte(i)
	}

	buf := BuildDataPacket(DataPacket{
		CID:          testCID(),
		SourceName:   "test source",
		Priority:     100,
		SyncUniverse: 0,
		Sequence:     7,
		Universe:     1,
		StartCode:    StartCodeDMX,
		Slots:        slots,
	})

	got, ok := ParseDataPacket(buf)
	if !ok {
		t.Fatalf("ParseDataPacket failed on a packet we just built")
	}
	if got.CID != testCID() {
		t.Fatalf("CID mismatch: got %v", got.CID)
	}
	if got.SourceName != "test source" {
		t.Fatalf("source name mismatch: got %q", got.SourceName)
	}
	if got.Universe != 1 || got.Sequence != 7 || got.Priority != 100 {
		t.Fatalf("scalar field mismatch: %+v", got)
	}
	if got.StartCode != StartCodeDMX {
		t.Fatalf("start code mismatch: got %#x", got.StartCode)
	}
	if !bytes.Equal(got.Slots, slots) {
		t.Fatalf("slot data mismatch")
	}
}

func TestBuildDataPacketOptionBits(t *testing.T) {
	buf := BuildDataPacket(DataPacket{
		CID:        testCID(),
		SourceName: "opts",
		Universe:   5,
		StartCode:  StartCodeDMX,
		Preview:    true,
		Terminated: true,
		ForceSync:  true,
		Slots:      []byte{1, 2, 3},
	})
	got, ok := ParseDataPacket(buf)
	if !ok {
		t.Fatalf("parse failed")
	}
	if !got.Preview || !got.Terminated || !got.ForceSync {
		t.Fatalf("option bits not preserved: %+v", got)
	}
}

func TestParseDataPacketRejectsShort(t *testing.T) {
	if _, ok := ParseDataPacket(nil); ok {
		t.Fatalf("expected failure on empty input")
	}
	if _, ok := ParseDataPacket(make([]byte, 50)); ok {
		t.Fatalf("expected failure on short input")
	}
}

func TestParseDataPacketRejectsBadVector(t *testing.T) {
	buf := BuildDataPacket(DataPacket{CID: testCID(), Universe: 1, StartCode: StartCodeDMX, Slots: []byte{1}})
	buf[18] = 0xFF // corrupt root vector
	if _, ok := ParseDataPacket(buf); ok {
		t.Fatalf("expected failure on corrupted root vector")
	}
}

func TestPAPPacketStructurallyIdenticalToDMX(t *testing.T) {
	pap := make([]byte, 512)
	for i := range pap {
		pap[i] = 100
	}
	buf := BuildDataPacket(DataPacket{
		CID:       testCID(),
		Universe:  1,
		StartCode: StartCodePAP,
		Slots:     pap,
	})
	got, ok := ParseDataPacket(buf)
	if !ok {
		t.Fatalf("parse of PAP packet failed")
	}
	if got.StartCode != StartCodePAP {
		t.Fatalf("start code mismatch: got %#x", got.StartCode)
	}
	if !bytes.Equal(got.Slots, pap) {
		t.Fatalf("PAP slot data mismatch")
	}
}

func TestBuildParseDiscoveryPacketRoundtrip(t *testing.T) {
	universes := []uint16{1, 2, 3, 100, 63999}
	buf := BuildDiscoveryPacket("disco", testCID(), 0, 0, universes)
	got, ok := ParseDiscoveryPacket(buf)
	if !ok {
		t.Fatalf("parse failed")
	}
	if got.SourceName != "disco" || got.Page != 0 || got.LastPage != 0 {
		t.Fatalf("header mismatch: %+v", got)
	}
	if len(got.Universes) != len(universes) {
		t.Fatalf("universe count mismatch: got %d want %d", len(got.Universes), len(universes))
	}
	for i, u := range universes {
		if got.Universes[i] != u {
			t.Fatalf("universe[%d] mismatch: got %d want %d", i, got.Universes[i], u)
		}
	}
}

func TestMulticastAddresses(t *testing.T) {
	v4 := MulticastAddrV4(1)
	if v4.String() != "239.255.0.1" {
		t.Fatalf("unexpected v4 group: %s", v4)
	}
	v6 := MulticastAddrV6(1)
	if v6.String() != "ff18::8300:1" {
		t.Fatalf("unexpected v6 group: %s", v6)
	}
}

func FuzzParseDataPacket(f *testing.F) {
	cid := testCID()
	f.Add(BuildDataPacket(DataPacket{CID: cid, Universe: 1, StartCode: StartCodeDMX, Slots: make([]byte, 512)}))
	f.Add(BuildDataPacket(DataPacket{CID: cid, Universe: 63999, StartCode: StartCodePAP, Slots: make([]byte, 100)}))
	f.Add([]byte{})
	f.Add(make([]byte, 125))
	f.Add(make([]byte, 126))

	f.Fuzz(func(t *testing.T, data []byte) {
		pkt, ok := ParseDataPacket(data)
		if !ok {
			return
		}
		if len(pkt.Slots) > DMXAddressCount {
			t.Fatalf("slot data too long: %d", len(pkt.Slots))
		}
	})
}

func FuzzBuildParseDataPacketRoundtrip(f *testing.F) {
	f.Add(uint16(1), uint8(0), "test", make([]byte, 512))
	f.Add(uint16(63999), uint8(255), "source", make([]byte, 100))
	f.Add(uint16(100), uint8(128), "", make([]byte, 0))

	f.Fuzz(func(t *testing.T, universe uint16, seq uint8, name string, slots []byte) {
		if !IsValidUniverse(universe) {
			return
		}
		buf := BuildDataPacket(DataPacket{
			CID:        testCID(),
			SourceName: name,
			Sequence:   seq,
			Universe:   universe,
			StartCode:  StartCodeDMX,
			Slots:      slots,
		})
		pkt, ok := ParseDataPacket(buf)
		if !ok {
			t.Fatalf("failed to parse packet we just built")
		}
		if pkt.Universe != universe || pkt.Sequence != seq {
			t.Fatalf("roundtrip mismatch: %+v", pkt)
		}
		want := len(slots)
		if want > DMXAddressCount {
			want = DMXAddressCount
		}
		if !bytes.Equal(pkt.Slots, slots[:want]) {
			t.Fatalf("slot roundtrip mismatch")
		}
	})
}
