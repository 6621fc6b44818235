// Package sacn implements the core of a bidirectional E1.31 (Streaming ACN)
// engine: per-universe source tracking and loss detection on receive, a
// keep-alive/suppression transmission engine on send, an HTP DMX merger, and
// the shared socket/subscription plane both sides run on.
package sacn

import (
	"time"

	"github.com/google/uuid"
)

// Port is the UDP port sACN is transmitted and received on.
const Port = 5568

// DiscoveryUniverse is the reserved universe Universe Discovery packets are
// sent and received on.
const DiscoveryUniverse = 64214

// DMXAddressCount is the full per-universe slot footprint. Sub-range
// footprints are reserved in the wire format for future extension and are
// not implemented: the engine always operates on all 512 slots.
const DMXAddressCount = 512

// Fixed, non-configurable timers defined by E1.31's wire behavior.
const (
	TLoss      = 2500 * time.Millisecond // per-packet network data loss timer
	TSample    = 1500 * time.Millisecond // sampling period length and PAP-wait grace
	TDiscovery = 10 * time.Second        // universe discovery send interval
	TSourceDetectorExpiry = 2 * TDiscovery // source-detector per-source silence expiry
)

// Application-settable default timers; config overrides these.
const (
	DefaultTWait          = 1000 * time.Millisecond
	DefaultTKeepAlive     = 1000 * time.Millisecond
	DefaultTKeepAlivePAP  = 1000 * time.Millisecond
	DefaultTRead          = 100 * time.Millisecond
)

// StartCode identifies the payload carried by a DMP-layer data packet.
type StartCode byte

const (
	StartCodeDMX StartCode = 0x00
	StartCodePAP StartCode = 0xDD
)

// Options bits on a data packet's options byte (E1.31 §6.2.6).
const (
	OptionPreview          byte = 1 << 7
	OptionStreamTerminated byte = 1 << 6
	OptionForceSync        byte = 1 << 5
)

// CID is a source's 16-byte component identifier.
type CID [16]byte

// NewCID generates a random CID (UUIDv4), matching the wire's 16-byte field
// exactly since an EtcPal/RFC-4122 UUID and a sACN CID share layout.
func NewCID() CID {
	return CID(uuid.New())
}

func (c CID) String() string {
	return uuid.UUID(c).String()
}

// RemoteSourceHandle is an opaque, process-wide identifier for a remote
// source's CID, valid only while the registry holds a reference to it.
type RemoteSourceHandle uint16

// InvalidRemoteSourceHandle is reserved and never allocated.
const InvalidRemoteSourceHandle RemoteSourceHandle = 0xFFFF

// IsValidUniverse reports whether u is a usable sACN universe number.
// 64214 (Universe Discovery) is valid on the wire but not a data universe an
// application may request a Receiver or SourceUniverse for.
func IsValidUniverse(u uint16) bool {
	return u >= 1 && u <= 63999
}

// IsValidPriority reports whether p is a legal universe priority (0-200).
func IsValidPriority(p uint8) bool {
	return p <= 200
}

// IPVersion selects which IP families a component joins/sends on.
type IPVersion int

const (
	IPv4Only IPVersion = iota
	IPv6Only
	IPv4AndIPv6
)

func (v IPVersion) wantsV4() bool { return v == IPv4Only || v == IPv4AndIPv6 }
func (v IPVersion) wantsV6() bool { return v == IPv6Only || v == IPv4AndIPv6 }
