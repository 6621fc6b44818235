package sacn

import (
	"encoding/binary"
	"net"
)

// Wire-level constants for the ACN root layer / E1.31 framing layer / DMP
// layer, and the E1.31 Universe Discovery framing+layer. Byte offsets below
// follow ANSI E1.31-2018 exactly.
const (
	vectorRootE131Data      = 0x00000004
	vectorRootE131Extended  = 0x00000008
	vectorE131DataPacket    = 0x00000002
	vectorE131Discovery     = 0x00000002
	vectorDMPSetProperty    = 0x02
	vectorUniverseDiscovery = 0x00000001

	rootLayerLen    = 38
	framingLayerLen = 77
	dmpHeaderLen    = 11                                       // DMP layer framing before the data itself
	dataPacketLen   = rootLayerLen + framingLayerLen + dmpHeaderLen // 126, + payload

	discoveryRootLen    = 38
	discoveryFramingLen = 74
	discoveryLayerLen   = 8
	discoveryHeaderLen  = discoveryRootLen + discoveryFramingLen + discoveryLayerLen // 120, + 2*universes

	sourceNameLen = 64

	// MaxUniversesPerDiscoveryPage is the number of universe IDs that fit in
	// one Universe Discovery page.
	MaxUniversesPerDiscoveryPage = 512
)

// acnPacketIdentifier is the 12-byte ACN root layer preamble.
var acnPacketIdentifier = [12]byte{
	0x41, 0x53, 0x43, 0x2d, 0x45, 0x31, 0x2e, 0x31, 0x37, 0x00, 0x00, 0x00,
}

// DataPacket is a decoded null-start-code (DMX) or 0xDD (PAP) data PDU.
type DataPacket struct {
	CID          CID
	SourceName   string
	Priority     uint8
	SyncUniverse uint16
	Sequence     uint8
	Preview      bool
	Terminated   bool
	ForceSync    bool
	Universe     uint16
	StartCode    StartCode
	Slots        []byte // length = slot count - 1 (excludes the start code byte), <=512
}

// BuildDataPacket encodes a data PDU. p.Slots is truncated to 512 bytes,
// never padded, so the PDU length always matches the data actually supplied.
func BuildDataPacket(p DataPacket) []byte {
	dataLen := len(p.Slots)
	if dataLen > DMXAddressCount {
		dataLen = DMXAddressCount
	}

	pktLen := dataPacketLen + dataLen
	buf := make([]byte, pktLen)

	writeRootLayer(buf, pktLen, vectorRootE131Data, p.CID)

	framingLen := pktLen - rootLayerLen
	binary.BigEndian.PutUint16(buf[38:40], 0x7000|uint16(framingLen))
	binary.BigEndian.PutUint32(buf[40:44], vectorE131DataPacket)
	copy(buf[44:44+sourceNameLen], p.SourceName)
	buf[108] = p.Priority
	binary.BigEndian.PutUint16(buf[109:111], p.SyncUniverse)
	buf[111] = p.Sequence
	var opts byte
	if p.Preview {
		opts |= OptionPreview
	}
	if p.Terminated {
		opts |= OptionStreamTerminated
	}
	if p.ForceSync {
		opts |= OptionForceSync
	}
	buf[112] = opts
	binary.BigEndian.PutUint16(buf[113:115], p.Universe)

	dmpLen := dmpHeaderLen + dataLen
	binary.BigEndian.PutUint16(buf[115:117], 0x7000|uint16(dmpLen))
	buf[117] = vectorDMPSetProperty
	buf[118] = 0xa1
	binary.BigEndian.PutUint16(buf[119:121], 0)
	binary.BigEndian.PutUint16(buf[121:123], 1)
	binary.BigEndian.PutUint16(buf[123:125], uint16(dataLen+1))
	buf[125] = byte(p.StartCode)
	copy(buf[126:], p.Slots[:dataLen])

	return buf
}

func writeRootLayer(buf []byte, pktLen int, vector uint32, cid CID) {
	binary.BigEndian.PutUint16(buf[0:2], 0x0010)
	binary.BigEndian.PutUint16(buf[2:4], 0x0000)
	copy(buf[4:16], acnPacketIdentifier[:])
	rootLen := pktLen - 16
	binary.BigEndian.PutUint16(buf[16:18], 0x7000|uint16(rootLen))
	binary.BigEndian.PutUint32(buf[18:22], vector)
	copy(buf[22:38], cid[:])
}

// ParseDataPacket decodes a null-start-code or PAP data PDU. It returns
// ok=false on any structural mismatch; per §7 a receive parse failure is
// always a silent drop, never an error the caller inspects.
func ParseDataPacket(data []byte) (DataPacket, bool) {
	var p DataPacket
	if len(data) < dataPacketLen {
		return p, false
	}
	if data[4] != acnPacketIdentifier[0] || data[5] != acnPacketIdentifier[1] || data[6] != acnPacketIdentifier[2] {
		return p, false
	}
	if binary.BigEndian.Uint32(data[18:22]) != vectorRootE131Data {
		return p, false
	}
	copy(p.CID[:], data[22:38])

	if binary.BigEndian.Uint32(data[40:44]) != vectorE131DataPacket {
		return p, false
	}
	p.SourceName = trimNUL(data[44 : 44+sourceNameLen])
	p.Priority = data[108]
	p.SyncUniverse = binary.BigEndian.Uint16(data[109:111])
	p.Sequence = data[111]
	opts := data[112]
	p.Preview = opts&OptionPreview != 0
	p.Terminated = opts&OptionStreamTerminated != 0
	p.ForceSync = opts&OptionForceSync != 0
	p.Universe = binary.BigEndian.Uint16(data[113:115])

	if data[117] != vectorDMPSetProperty {
		return p, false
	}
	propCount := binary.BigEndian.Uint16(data[123:125])
	if propCount < 1 {
		return p, false
	}
	dmxLen := int(propCount) - 1
	if dmxLen > DMXAddressCount {
		dmxLen = DMXAddressCount
	}
	if len(data) < dataPacketLen+dmxLen {
		return p, false
	}
	p.StartCode = StartCode(data[125])
	p.Slots = append([]byte(nil), data[126:126+dmxLen]...)

	return p, true
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// DiscoveryPacket is one page of a decoded Universe Discovery PDU.
type DiscoveryPacket struct {
	CID        CID
	SourceName string
	Page       uint8
	LastPage   uint8
	Universes  []uint16
}

// BuildDiscoveryPacket encodes one Universe Discovery page. universes must
// already be sorted ascending and capped at MaxUniversesPerDiscoveryPage by
// the caller (the source paginates before calling this).
func BuildDiscoveryPacket(sourceName string, cid CID, page, lastPage uint8, universes []uint16) []byte {
	n := len(universes)
	if n > MaxUniversesPerDiscoveryPage {
		n = MaxUniversesPerDiscoveryPage
	}

	pktLen := discoveryHeaderLen + n*2
	buf := make([]byte, pktLen)

	writeRootLayer(buf, pktLen, vectorRootE131Extended, cid)

	framingLen := pktLen - rootLayerLen
	binary.BigEndian.PutUint16(buf[38:40], 0x7000|uint16(framingLen))
	binary.BigEndian.PutUint32(buf[40:44], vectorE131Discovery)
	copy(buf[44:44+sourceNameLen], sourceName)
	binary.BigEndian.PutUint32(buf[108:112], 0) // reserved

	discoveryLen := pktLen - (discoveryRootLen + discoveryFramingLen)
	binary.BigEndian.PutUint16(buf[112:114], 0x7000|uint16(discoveryLen))
	binary.BigEndian.PutUint32(buf[114:118], vectorUniverseDiscovery)
	buf[118] = page
	buf[119] = lastPage
	for i := 0; i < n; i++ {
		binary.BigEndian.PutUint16(buf[120+i*2:122+i*2], universes[i])
	}

	return buf
}

// ParseDiscoveryPacket decodes one Universe Discovery page.
func ParseDiscoveryPacket(data []byte) (DiscoveryPacket, bool) {
	var p DiscoveryPacket
	if len(data) < discoveryHeaderLen {
		return p, false
	}
	if data[4] != acnPacketIdentifier[0] || data[5] != acnPacketIdentifier[1] || data[6] != acnPacketIdentifier[2] {
		return p, false
	}
	if binary.BigEndian.Uint32(data[18:22]) != vectorRootE131Extended {
		return p, false
	}
	copy(p.CID[:], data[22:38])
	if binary.BigEndian.Uint32(data[40:44]) != vectorE131Discovery {
		return p, false
	}
	p.SourceName = trimNUL(data[44 : 44+sourceNameLen])
	if binary.BigEndian.Uint32(data[114:118]) != vectorUniverseDiscovery {
		return p, false
	}
	p.Page = data[118]
	p.LastPage = data[119]

	n := (len(data) - discoveryHeaderLen) / 2
	if n > MaxUniversesPerDiscoveryPage {
		n = MaxUniversesPerDiscoveryPage
	}
	p.Universes = make([]uint16, n)
	for i := 0; i < n; i++ {
		p.Universes[i] = binary.BigEndian.Uint16(data[120+i*2 : 122+i*2])
	}

	return p, true
}

// MulticastAddrV4 returns the IPv4 multicast group for a universe:
// 239.255.<hi>.<lo>.
func MulticastAddrV4(universe uint16) net.IP {
	return net.IPv4(239, 255, byte(universe>>8), byte(universe&0xff)).To4()
}

// MulticastAddrV6 returns the IPv6 multicast group for a universe:
// ff18::8300:<universe, big-endian>.
func MulticastAddrV6(universe uint16) net.IP {
	ip := make(net.IP, 16)
	ip[0], ip[1] = 0xff, 0x18
	ip[12], ip[13] = 0x83, 0x00
	ip[14] = byte(universe >> 8)
	ip[15] = byte(universe & 0xff)
	return ip
}

var (
	discoveryMulticastV4 = MulticastAddrV4(DiscoveryUniverse)
	discoveryMulticastV6 = MulticastAddrV6(DiscoveryUniverse)
)
