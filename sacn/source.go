package sacn

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SourceHandle identifies one Source (transmitter) instance.
type SourceHandle uint32

var nextSourceHandle uint32

func allocSourceHandle() SourceHandle {
	return SourceHandle(atomic.AddUint32(&nextSourceHandle, 1))
}

// sourceTickInterval is the default automatic send-thread period. It is not
// a wire timer; it only bounds how promptly a level/PAP change or a forced
// keep-alive packet actually reaches the network.
const sourceTickInterval = 23 * time.Millisecond

// terminationState drives a SourceUniverse through the 3-packet controlled
// termination sequence.
type terminationState int

const (
	notTerminating terminationState = iota
	terminatingWithoutRemoving
	terminatingAndRemoving
)

// keepAliveBurst is how many packets are sent back-to-back on a level/PAP
// change before falling back to the periodic keep-alive interval, matching
// the reference transmitter's "send 4 packets on data change" behavior.
const keepAliveBurst = 4

// SourceUniverse is one universe's transmit state within a Source.
type SourceUniverse struct {
	universe     uint16
	priority     uint8
	syncUniverse uint16
	preview      bool

	seq uint8

	levels      [DMXAddressCount]byte
	haveLevels  bool
	pap         [DMXAddressCount]byte
	havePAP     bool

	levelBurstLeft int
	papBurstLeft   int
	lastLevelSent  time.Time
	lastPAPSent    time.Time

	term      terminationState
	termsSent int

	unicastDests    []*unicastDest
	sendUnicastOnly bool
}

// unicastDest is one unicast destination's own send/termination state,
// tracked independently of the universe's own terminationState so removing
// one destination doesn't disturb multicast or the other destinations.
type unicastDest struct {
	addr      *net.UDPAddr
	sentAny   bool
	term      terminationState // notTerminating or terminatingWithoutRemoving
	termsSent int
}

// SourceConfig configures a new Source.
type SourceConfig struct {
	CID          CID
	Name         string
	IPVersion    IPVersion
	ManualTick   bool
	KeepAlive    time.Duration
	KeepAlivePAP time.Duration
	Sockets      *SocketManager
}

// Source is the per-component transmitter: it owns zero or more
// SourceUniverses, keep-alive/suppression timing for each, sequence
// numbering, and periodic Universe Discovery announcements.
type Source struct {
	mu sync.Mutex

	handle     SourceHandle
	cid        CID
	name       string
	ipVersion  IPVersion
	manualTick bool
	keepAlive  time.Duration
	keepAlivePAP time.Duration
	sockets    *SocketManager

	universes map[uint16]*SourceUniverse
	ifaces    []net.Interface

	socketRefV4 *SocketRef
	socketRefV6 *SocketRef

	lastDiscovery time.Time
	discoverySeq  uint8

	destroyed bool
	stop      chan struct{}

	packetsSent uint64
}

// NewSource creates a Source with no universes. Call AddUniverse to start
// transmitting on one. Unless cfg.ManualTick is set, an internal goroutine
// drives Tick automatically at sourceTickInterval.
func NewSource(cfg SourceConfig) (*Source, error) {
	if cfg.Sockets == nil {
		return nil, newErr("NewSource", ErrInvalidArgument, nil)
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultTKeepAlive
	}
	keepAlivePAP := cfg.KeepAlivePAP
	if keepAlivePAP <= 0 {
		keepAlivePAP = DefaultTKeepAlivePAP
	}

	netints, err := EnumerateInterfaces(nil)
	if err != nil {
		return nil, err
	}
	ifaces := usableInterfaces(netints)
	if len(ifaces) == 0 {
		return nil, newErr("NewSource", ErrNoNetworkInterfaces, nil)
	}

	s := &Source{
		handle:       allocSourceHandle(),
		cid:          cfg.CID,
		name:         cfg.Name,
		ipVersion:    cfg.IPVersion,
		manualTick:   cfg.ManualTick,
		keepAlive:    keepAlive,
		keepAlivePAP: keepAlivePAP,
		sockets:      cfg.Sockets,
		universes:    make(map[uint16]*SourceUniverse),
		ifaces:       ifaces,
		lastDiscovery: time.Now(),
	}

	if s.ipVersion.wantsV4() {
		if ref, err := s.sockets.AcquireSocketRef(familyV4); err == nil {
			s.socketRefV4 = ref
		}
	}
	if s.ipVersion.wantsV6() {
		if ref, err := s.sockets.AcquireSocketRef(familyV6); err == nil {
			s.socketRefV6 = ref
		}
	}

	if !s.manualTick {
		s.stop = make(chan struct{})
		go s.tickLoop()
	}

	return s, nil
}

func (s *Source) tickLoop() {
	t := time.NewTicker(sourceTickInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Tick()
		case <-s.stop:
			return
		}
	}
}

// Handle returns the source's handle.
func (s *Source) Handle() SourceHandle { return s.handle }

// AddUniverse starts transmitting on universe at the given priority.
func (s *Source) AddUniverse(universe uint16, priority uint8) error {
	if !IsValidUniverse(universe) || !IsValidPriority(priority) {
		return newErr("AddUniverse", ErrInvalidArgument, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return newErr("AddUniverse", ErrNotInitialized, nil)
	}
	if _, exists := s.universes[universe]; exists {
		return newErr("AddUniverse", ErrAlreadyExists, nil)
	}
	s.universes[universe] = &SourceUniverse{universe: universe, priority: priority}
	return nil
}

// RemoveUniverse begins the controlled termination sequence for universe. If
// force is true, the universe is dropped immediately and no terminated
// packets are sent.
func (s *Source) RemoveUniverse(universe uint16, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.universes[universe]
	if !ok {
		return newErr("RemoveUniverse", ErrNotFound, nil)
	}
	if force {
		delete(s.universes, universe)
		return nil
	}
	u.term = terminatingAndRemoving
	u.termsSent = 0
	return nil
}

// UpdateLevels sets a universe's DMX levels and resets its keep-alive burst.
func (s *Source) UpdateLevels(universe uint16, levels []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.universes[universe]
	if !ok {
		return newErr("UpdateLevels", ErrNotFound, nil)
	}
	n := copy(u.levels[:], levels)
	for i := n; i < DMXAddressCount; i++ {
		u.levels[i] = 0
	}
	u.haveLevels = true
	u.levelBurstLeft = keepAliveBurst
	return nil
}

// UpdatePAP sets a universe's per-address priority array and resets its
// keep-alive burst. A nil or short slice is zero-filled; PAP packets keep
// being sent for the universe either way, and no call stops PAP transmission.
func (s *Source) UpdatePAP(universe uint16, pap []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.universes[universe]
	if !ok {
		return newErr("UpdatePAP", ErrNotFound, nil)
	}
	n := copy(u.pap[:], pap)
	for i := n; i < DMXAddressCount; i++ {
		u.pap[i] = 0
	}
	u.havePAP = true
	u.papBurstLeft = keepAliveBurst
	return nil
}

// SetPreview sets or clears the preview option bit for a universe.
func (s *Source) SetPreview(universe uint16, preview bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.universes[universe]
	if !ok {
		return newErr("SetPreview", ErrNotFound, nil)
	}
	u.preview = preview
	return nil
}

// SetSyncUniverse sets a universe's synchronization universe (0 disables
// synchronization).
func (s *Source) SetSyncUniverse(universe, syncUniverse uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.universes[universe]
	if !ok {
		return newErr("SetSyncUniverse", ErrNotFound, nil)
	}
	u.syncUniverse = syncUniverse
	return nil
}

// AddUnicastDestination adds a unicast receiver for universe's packets.
func (s *Source) AddUnicastDestination(universe uint16, dst *net.UDPAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.universes[universe]
	if !ok {
		return newErr("AddUnicastDestination", ErrNotFound, nil)
	}
	for _, d := range u.unicastDests {
		if d.addr.IP.Equal(dst.IP) && d.addr.Port == dst.Port {
			return newErr("AddUnicastDestination", ErrAlreadyExists, nil)
		}
	}
	u.unicastDests = append(u.unicastDests, &unicastDest{addr: dst})
	return nil
}

// RemoveUnicastDestination removes a unicast receiver from universe. If dst
// has never actually been sent a packet (e.g. it was added then removed
// before the next Tick), it is dropped immediately. Otherwise it goes
// through its own 3-packet controlled termination sequence, independent of
// the universe's own termination state and of any other destination, before
// being dropped.
func (s *Source) RemoveUnicastDestination(universe uint16, dst *net.UDPAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.universes[universe]
	if !ok {
		return newErr("RemoveUnicastDestination", ErrNotFound, nil)
	}
	for i, d := range u.unicastDests {
		if !d.addr.IP.Equal(dst.IP) || d.addr.Port != dst.Port {
			continue
		}
		if !d.sentAny {
			u.unicastDests = append(u.unicastDests[:i:i], u.unicastDests[i+1:]...)
			return nil
		}
		d.term = terminatingWithoutRemoving
		d.termsSent = 0
		return nil
	}
	return newErr("RemoveUnicastDestination", ErrNotFound, nil)
}

// SetUnicastOnly controls whether universe's packets are sent only to its
// unicast destination list, skipping multicast.
func (s *Source) SetUnicastOnly(universe uint16, unicastOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.universes[universe]
	if !ok {
		return newErr("SetUnicastOnly", ErrNotFound, nil)
	}
	u.sendUnicastOnly = unicastOnly
	return nil
}

// Tick drives one pass of the level phase, the PAP phase, and the Universe
// Discovery phase. Called automatically unless the Source was created with
// ManualTick.
func (s *Source) Tick() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}

	now := time.Now()
	var toRemove []uint16

	for universe, u := range s.universes {
		s.processUnicastTerminationsLocked(u)

		if u.term != notTerminating {
			if u.termsSent < 3 {
				s.sendLevelLocked(u, true)
				u.termsSent++
			}
			if u.termsSent >= 3 && u.term == terminatingAndRemoving {
				toRemove = append(toRemove, universe)
			}
			continue
		}

		if u.haveLevels {
			due := u.levelBurstLeft > 0 || now.Sub(u.lastLevelSent) >= s.keepAlive
			if due {
				s.sendLevelLocked(u, false)
				if u.levelBurstLeft > 0 {
					u.levelBurstLeft--
				}
			}
		}
		if u.havePAP {
			due := u.papBurstLeft > 0 || now.Sub(u.lastPAPSent) >= s.keepAlivePAP
			if due {
				s.sendPAPLocked(u)
				if u.papBurstLeft > 0 {
					u.papBurstLeft--
				}
			}
		}
	}

	for _, universe := range toRemove {
		delete(s.universes, universe)
	}

	if now.Sub(s.lastDiscovery) >= TDiscovery {
		s.sendDiscoveryLocked(now)
	}

	s.mu.Unlock()
}

// processUnicastTerminationsLocked advances each of u's destinations that is
// mid-termination, sending it a dedicated terminated packet and dropping it
// once its 3-packet sequence completes.
func (s *Source) processUnicastTerminationsLocked(u *SourceUniverse) {
	kept := u.unicastDests[:0]
	for _, d := range u.unicastDests {
		if d.term != terminatingWithoutRemoving {
			kept = append(kept, d)
			continue
		}
		if d.termsSent < 3 {
			s.sendUnicastTerminatedLocked(u, d)
			d.termsSent++
		}
		if d.termsSent < 3 {
			kept = append(kept, d)
		}
	}
	u.unicastDests = kept
}

func (s *Source) sendUnicastTerminatedLocked(u *SourceUniverse, d *unicastDest) {
	buf := BuildDataPacket(DataPacket{
		CID:          s.cid,
		SourceName:   s.name,
		Priority:     u.priority,
		SyncUniverse: u.syncUniverse,
		Sequence:     s.nextSeq(u),
		Preview:      u.preview,
		Terminated:   true,
		Universe:     u.universe,
		StartCode:    StartCodeDMX,
		Slots:        u.levels[:],
	})
	s.sendToDest(d, buf)
}

func (s *Source) sendToDest(d *unicastDest, buf []byte) {
	ref := s.socketRefV4
	if d.addr.IP.To4() == nil {
		ref = s.socketRefV6
	}
	if ref == nil {
		return
	}
	s.sockets.SendUnicast(ref, buf, d.addr)
	atomic.AddUint64(&s.packetsSent, 1)
}

func (s *Source) nextSeq(u *SourceUniverse) uint8 {
	seq := u.seq
	u.seq++
	return seq
}

func (s *Source) sendLevelLocked(u *SourceUniverse, terminated bool) {
	buf := BuildDataPacket(DataPacket{
		CID:          s.cid,
		SourceName:   s.name,
		Priority:     u.priority,
		SyncUniverse: u.syncUniverse,
		Sequence:     s.nextSeq(u),
		Preview:      u.preview,
		Terminated:   terminated,
		Universe:     u.universe,
		StartCode:    StartCodeDMX,
		Slots:        u.levels[:],
	})
	s.fanOut(u, buf)
	u.lastLevelSent = time.Now()
}

func (s *Source) sendPAPLocked(u *SourceUniverse) {
	buf := BuildDataPacket(DataPacket{
		CID:          s.cid,
		SourceName:   s.name,
		Priority:     u.priority,
		SyncUniverse: u.syncUniverse,
		Sequence:     s.nextSeq(u),
		Preview:      u.preview,
		Universe:     u.universe,
		StartCode:    StartCodePAP,
		Slots:        u.pap[:],
	})
	s.fanOut(u, buf)
	u.lastPAPSent = time.Now()
}

func (s *Source) fanOut(u *SourceUniverse, buf []byte) {
	if !u.sendUnicastOnly {
		if s.socketRefV4 == nil && s.socketRefV6 == nil {
			atomic.AddUint64(&s.packetsSent, 1)
		}
		if s.socketRefV4 != nil {
			for i := range s.ifaces {
				s.sockets.SendMulticast(s.socketRefV4, u.universe, buf, &s.ifaces[i])
			}
			atomic.AddUint64(&s.packetsSent, 1)
		}
		if s.socketRefV6 != nil {
			for i := range s.ifaces {
				s.sockets.SendMulticast(s.socketRefV6, u.universe, buf, &s.ifaces[i])
			}
			atomic.AddUint64(&s.packetsSent, 1)
		}
	}
	for _, d := range u.unicastDests {
		if d.term != notTerminating {
			continue
		}
		s.sendToDest(d, buf)
		d.sentAny = true
	}
}

func (s *Source) sendDiscoveryLocked(now time.Time) {
	universes := make([]uint16, 0, len(s.universes))
	for u, su := range s.universes {
		if su.term == notTerminating {
			universes = append(universes, u)
		}
	}
	sort.Slice(universes, func(i, j int) bool { return universes[i] < universes[j] })

	pageCount := 1
	if len(universes) > 0 {
		pageCount = (len(universes) + MaxUniversesPerDiscoveryPage - 1) / MaxUniversesPerDiscoveryPage
	}
	lastPage := uint8(pageCount - 1)

	for page := 0; page < pageCount; page++ {
		start := page * MaxUniversesPerDiscoveryPage
		end := start + MaxUniversesPerDiscoveryPage
		if end > len(universes) {
			end = len(universes)
		}
		buf := BuildDiscoveryPacket(s.name, s.cid, uint8(page), lastPage, universes[start:end])
		if s.socketRefV4 == nil && s.socketRefV6 == nil {
			atomic.AddUint64(&s.packetsSent, 1)
		}
		if s.socketRefV4 != nil {
			for i := range s.ifaces {
				s.sockets.SendMulticast(s.socketRefV4, DiscoveryUniverse, buf, &s.ifaces[i])
			}
			atomic.AddUint64(&s.packetsSent, 1)
		}
		if s.socketRefV6 != nil {
			for i := range s.ifaces {
				s.sockets.SendMulticast(s.socketRefV6, DiscoveryUniverse, buf, &s.ifaces[i])
			}
			atomic.AddUint64(&s.packetsSent, 1)
		}
	}

	s.lastDiscovery = now
}

// ResetNetworking replaces the interface set a Source sends on.
func (s *Source) ResetNetworking() error {
	netints, err := EnumerateInterfaces(nil)
	if err != nil {
		return err
	}
	ifaces := usableInterfaces(netints)
	if len(ifaces) == 0 {
		return newErr("ResetNetworking", ErrNoNetworkInterfaces, nil)
	}
	s.mu.Lock()
	s.ifaces = ifaces
	s.mu.Unlock()
	return nil
}

// Destroy stops the automatic tick goroutine (if any) and releases sockets.
// Universes are not given a chance to send their termination sequence; call
// RemoveUniverse(..., force=false) and Tick a few more times first if a
// controlled shutdown is wanted.
func (s *Source) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	if s.stop != nil {
		close(s.stop)
	}
	if s.socketRefV4 != nil {
		s.sockets.ReleaseSocketRef(s.socketRefV4)
	}
	if s.socketRefV6 != nil {
		s.sockets.ReleaseSocketRef(s.socketRefV6)
	}
	s.universes = nil
	s.mu.Unlock()
}

// PacketsSent returns a running count of packets transmitted, for metrics.
func (s *Source) PacketsSent() uint64 {
	return atomic.LoadUint64(&s.packetsSent)
}
