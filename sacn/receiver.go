package sacn

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ReceiverHandle identifies one Receiver instance.
type ReceiverHandle uint32

var nextReceiverHandle uint32

func allocReceiverHandle() ReceiverHandle {
	return ReceiverHandle(atomic.AddUint32(&nextReceiverHandle, 1))
}

// papState is the per-tracked-source PAP extension sub-state machine.
type papState int

const (
	papWaitingForPAP papState = iota
	papHaveDMXOnly
	papHavePAPOnly
	papHaveDMXAndPAP
)

// trackedSource is a per-(receiver, handle) record.
type trackedSource struct {
	handle        RemoteSourceHandle
	cid           CID
	name          string
	firstSeenIf   int
	packetDeadline time.Time
	lastSeq       uint8
	haveSeq       bool
	terminated    bool
	dmxThisTick   bool
	sampling      bool // first observed during a sampling period or on an interface outside the current sampling set
	priority      uint8

	pap             papState
	papDeadline     time.Time
	pendingDMX      []byte // buffered while WaitingForPAP
	pendingPriority uint8
}

// ReceiverCallbacks are invoked outside any lock, never re-entrantly.
type ReceiverCallbacks struct {
	UniverseData          func(universe uint16, source RemoteSourceHandle, cid CID, name string, priority uint8, startCode StartCode, slots []byte, isSampling bool)
	SourcesLost           func(universe uint16, lost []LostSource)
	SamplingPeriodStarted func(universe uint16)
	SamplingPeriodEnded   func(universe uint16)
	SourcePAPLost         func(universe uint16, source RemoteSourceHandle)
	SourceLimitExceeded   func(universe uint16)
}

// ReceiverConfig configures a new Receiver. Registry, LossEngine and Sockets
// are process/thread-wide collaborators owned by the Manager (lifecycle.go).
type ReceiverConfig struct {
	Universe       uint16
	Interfaces     []string // empty = use every multicast-capable interface
	PreviewFilter  bool
	SourceCountMax int // 0 = unlimited
	IPVersion      IPVersion
	UsePAP         bool
	TWait          time.Duration
	Callbacks      ReceiverCallbacks

	Registry   *remoteSourceRegistry
	LossEngine *sourceLossEngine
	Sockets    *SocketManager
}

// Receiver is the per-universe state machine: tracked sources, the PAP
// sub-state machine, the sampling period, and network-data-loss processing
// via the source-loss engine.
type Receiver struct {
	mu sync.Mutex

	handle     ReceiverHandle
	universe   uint16
	callbacks  ReceiverCallbacks
	registry   *remoteSourceRegistry
	lossEngine *sourceLossEngine
	sockets    *SocketManager

	previewFilter  bool
	sourceCountMax int
	ipVersion      IPVersion
	usePAP         bool
	tWait          time.Duration

	netints        []NetintStatus
	samplingIfaces map[int]bool // true = in current sampling period, false = future (post-reset)

	sampling      bool
	sampleDeadline time.Time

	tracked map[RemoteSourceHandle]*trackedSource
	termSets []*TerminationSet

	limitExceededActive bool // rate-limit state: true while over the cap, suppressing repeat notifications

	socketRefsV4 map[int]*SocketRef // keyed by interface index (per-NIC) or -1 for shared
	socketRefsV6 map[int]*SocketRef

	destroyed bool
}

// NewReceiver creates a Receiver and queues multicast joins on cfg.Interfaces
// (or every usable interface). It enters the initial T_sample sampling period
// immediately. Creation fails with ErrNoNetworkInterfaces only when interfaces
// were found but none passed validation; that check runs before any socket is
// acquired. The joins run later in DrainQueues, and a failed join there does
// not fail creation.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if !IsValidUniverse(cfg.Universe) {
		return nil, newErr("NewReceiver", ErrInvalidArgument, nil)
	}
	if cfg.Registry == nil || cfg.LossEngine == nil || cfg.Sockets == nil {
		return nil, newErr("NewReceiver", ErrInvalidArgument, nil)
	}

	netints, err := EnumerateInterfaces(cfg.Interfaces)
	if err != nil {
		return nil, err
	}

	tWait := cfg.TWait
	if tWait <= 0 {
		tWait = DefaultTWait
	}

	r := &Receiver{
		handle:         allocReceiverHandle(),
		universe:       cfg.Universe,
		callbacks:      cfg.Callbacks,
		registry:       cfg.Registry,
		lossEngine:     cfg.LossEngine,
		sockets:        cfg.Sockets,
		previewFilter:  cfg.PreviewFilter,
		sourceCountMax: cfg.SourceCountMax,
		ipVersion:      cfg.IPVersion,
		usePAP:         cfg.UsePAP,
		tWait:          tWait,
		netints:        netints,
		samplingIfaces: make(map[int]bool),
		sampling:       true,
		sampleDeadline: time.Now().Add(TSample),
		tracked:        make(map[RemoteSourceHandle]*trackedSource),
		socketRefsV4:   make(map[int]*SocketRef),
		socketRefsV6:   make(map[int]*SocketRef),
	}

	usable := usableInterfaces(netints)
	if len(netints) > 0 && len(usable) == 0 {
		return nil, newErr("NewReceiver", ErrNoNetworkInterfaces, nil)
	}

	v4Group := MulticastAddrV4(cfg.Universe)
	v6Group := MulticastAddrV6(cfg.Universe)

	for _, iface := range usable {
		idx := iface.Index
		r.samplingIfaces[idx] = true

		if r.ipVersion.wantsV4() {
			ref, err := r.sockets.AcquireSocketRef(familyV4)
			if err == nil {
				r.socketRefsV4[idx] = ref
				r.sockets.EnqueueSubscribe(ref, cfg.Universe, &iface, idx, v4Group)
			}
		}
		if r.ipVersion.wantsV6() {
			ref, err := r.sockets.AcquireSocketRef(familyV6)
			if err == nil {
				r.socketRefsV6[idx] = ref
				r.sockets.EnqueueSubscribe(ref, cfg.Universe, &iface, idx, v6Group)
			}
		}
	}

	if cfg.Callbacks.SamplingPeriodStarted != nil {
		cfg.Callbacks.SamplingPeriodStarted(cfg.Universe)
	}

	return r, nil
}

// Handle returns the receiver's handle.
func (r *Receiver) Handle() ReceiverHandle { return r.handle }

// Universe returns the universe this receiver tracks.
func (r *Receiver) Universe() uint16 { return r.universe }

// Destroy detaches the receiver: its sockets are released (queued for close
// on the receive thread) and any dangling termination sets are freed without
// notification.
func (r *Receiver) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}
	r.destroyed = true

	for _, ref := range r.socketRefsV4 {
		r.sockets.ReleaseSocketRef(ref)
	}
	for _, ref := range r.socketRefsV6 {
		r.sockets.ReleaseSocketRef(ref)
	}

	r.lossEngine.detachReceiver(r.termSets)
	r.termSets = nil

	for h := range r.tracked {
		r.registry.release(h)
		delete(r.tracked, h)
	}
}

// ResetNetworking replaces the interface set, forcing a new sampling period
// on the interfaces supplied and immediately terminating any tracked source
// whose sole interface has disappeared.
func (r *Receiver) ResetNetworking(restrict []string) error {
	netints, err := EnumerateInterfaces(restrict)
	if err != nil {
		return err
	}
	usable := usableInterfaces(netints)

	r.mu.Lock()
	defer r.mu.Unlock()

	stillPresent := make(map[int]bool, len(usable))
	for _, iface := range usable {
		stillPresent[iface.Index] = true
	}

	for h, src := range r.tracked {
		if !stillPresent[src.firstSeenIf] {
			r.emitTerminatedLocked(h, src)
		}
	}

	for _, ref := range r.socketRefsV4 {
		r.sockets.ReleaseSocketRef(ref)
	}
	for _, ref := range r.socketRefsV6 {
		r.sockets.ReleaseSocketRef(ref)
	}
	r.socketRefsV4 = make(map[int]*SocketRef)
	r.socketRefsV6 = make(map[int]*SocketRef)
	r.samplingIfaces = make(map[int]bool)

	v4Group := MulticastAddrV4(r.universe)
	v6Group := MulticastAddrV6(r.universe)
	for _, iface := range usable {
		idx := iface.Index
		r.samplingIfaces[idx] = true
		if r.ipVersion.wantsV4() {
			if ref, err := r.sockets.AcquireSocketRef(familyV4); err == nil {
				r.socketRefsV4[idx] = ref
				r.sockets.EnqueueSubscribe(ref, r.universe, &iface, idx, v4Group)
			}
		}
		if r.ipVersion.wantsV6() {
			if ref, err := r.sockets.AcquireSocketRef(familyV6); err == nil {
				r.socketRefsV6[idx] = ref
				r.sockets.EnqueueSubscribe(ref, r.universe, &iface, idx, v6Group)
			}
		}
	}

	r.netints = netints
	r.sampling = true
	r.sampleDeadline = time.Now().Add(TSample)
	if r.callbacks.SamplingPeriodStarted != nil {
		cb := r.callbacks.SamplingPeriodStarted
		u := r.universe
		r.mu.Unlock()
		cb(u)
		r.mu.Lock()
	}
	return nil
}

// emitTerminatedLocked removes a tracked source and reports it terminated,
// called with r.mu held; it unlocks/relocks around the callback so no
// application callback runs holding an internal lock.
func (r *Receiver) emitTerminatedLocked(h RemoteSourceHandle, src *trackedSource) {
	cid := src.cid
	name := src.name
	delete(r.tracked, h)
	r.lossEngine.removeFromSets(h, r.universe, &r.termSets)
	r.registry.release(h)

	if r.callbacks.SourcesLost == nil {
		return
	}
	u := r.universe
	r.mu.Unlock()
	r.callbacks.SourcesLost(u, []LostSource{{Handle: h, Universe: u, Name: name, Terminated: true}})
	_ = cid
	r.mu.Lock()
}

// HandlePacket processes one decoded data PDU arriving on ifIndex. Packets
// failing sequence/universe/structural validation are dropped silently.
func (r *Receiver) HandlePacket(pkt DataPacket, ifIndex int) {
	if pkt.Universe != r.universe {
		return
	}
	if pkt.Preview && r.previewFilter {
		return
	}

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}

	handle, err := r.registry.add(pkt.CID)
	if err != nil {
		r.mu.Unlock()
		return
	}

	src, existed := r.tracked[handle]
	if !existed {
		if r.sourceCountMax > 0 && len(r.tracked) >= r.sourceCountMax {
			r.registry.release(handle)
			r.mu.Unlock()
			r.maybeNotifyLimitExceeded(true)
			return
		}
		src = &trackedSource{
			handle:      handle,
			cid:         pkt.CID,
			name:        pkt.SourceName,
			firstSeenIf: ifIndex,
			sampling:    r.sampling || !r.samplingIfaces[ifIndex],
		}
		if pkt.StartCode == StartCodePAP {
			src.pap = papHavePAPOnly
		} else {
			src.pap = papWaitingForPAP
		}
		r.tracked[handle] = src
	} else {
		r.registry.release(handle) // the tracked source already holds a reference
		if src.haveSeq {
			delta := int(pkt.Sequence) - int(src.lastSeq)
			if delta < 0 {
				delta += 256
			}
			if delta == 0 || delta >= 236 {
				r.mu.Unlock()
				return
			}
		}
	}

	src.name = pkt.SourceName
	src.lastSeq = pkt.Sequence
	src.haveSeq = true
	src.packetDeadline = time.Now().Add(TLoss)
	if pkt.StartCode == StartCodeDMX {
		src.priority = pkt.Priority
	}

	if pkt.Terminated {
		src.terminated = true
		r.emitTerminatedLocked(handle, src)
		r.mu.Unlock()
		return
	}

	if !r.sampling {
		src.dmxThisTick = (pkt.StartCode == StartCodeDMX) || src.dmxThisTick
	}

	isSampling := r.sampling || src.sampling
	u := r.universe

	switch pkt.StartCode {
	case StartCodeDMX:
		src.dmxThisTick = true
		r.deliverDMX(src, pkt, isSampling)
	case StartCodePAP:
		if !r.usePAP {
			r.mu.Unlock()
			return
		}
		r.deliverPAP(src, pkt, isSampling)
	default:
		if r.callbacks.UniverseData != nil {
			r.mu.Unlock()
			r.callbacks.UniverseData(u, handle, pkt.CID, pkt.SourceName, pkt.Priority, pkt.StartCode, pkt.Slots, isSampling)
			return
		}
	}
	r.mu.Unlock()
}

// deliverDMX drives the PAP sub-state machine's DMX transitions. Must be
// called with r.mu held; it may unlock/relock to invoke callbacks.
func (r *Receiver) deliverDMX(src *trackedSource, pkt DataPacket, isSampling bool) {
	if !r.usePAP {
		r.notifyUniverseData(src, pkt.StartCode, pkt.Slots, isSampling)
		return
	}

	switch src.pap {
	case papWaitingForPAP:
		if src.papDeadline.IsZero() {
			src.papDeadline = time.Now().Add(TSample)
		}
		src.pendingDMX = append([]byte(nil), pkt.Slots...)
		src.pendingPriority = pkt.Priority
		// buffered: no delivery yet.
	case papHaveDMXOnly, papHaveDMXAndPAP:
		r.notifyUniverseData(src, StartCodeDMX, pkt.Slots, isSampling)
	case papHavePAPOnly:
		src.pap = papHaveDMXAndPAP
		r.notifyUniverseData(src, StartCodeDMX, pkt.Slots, isSampling)
	}
}

// deliverPAP drives the PAP sub-state machine's PAP transitions.
func (r *Receiver) deliverPAP(src *trackedSource, pkt DataPacket, isSampling bool) {
	switch src.pap {
	case papWaitingForPAP:
		src.pap = papHaveDMXAndPAP
		r.notifyUniverseData(src, StartCodePAP, pkt.Slots, isSampling)
	case papHaveDMXOnly:
		src.pap = papHaveDMXAndPAP
		r.notifyUniverseData(src, StartCodePAP, pkt.Slots, isSampling)
	case papHavePAPOnly:
		r.notifyUniverseData(src, StartCodePAP, pkt.Slots, isSampling)
	case papHaveDMXAndPAP:
		r.notifyUniverseData(src, StartCodePAP, pkt.Slots, isSampling)
	}
}

func (r *Receiver) notifyUniverseData(src *trackedSource, sc StartCode, slots []byte, isSampling bool) {
	if r.callbacks.UniverseData == nil {
		return
	}
	u, h, cid, name, prio := r.universe, src.handle, src.cid, src.name, src.priority
	r.mu.Unlock()
	r.callbacks.UniverseData(u, h, cid, name, prio, sc, slots, isSampling)
	r.mu.Lock()
}

func (r *Receiver) maybeNotifyLimitExceeded(overLimit bool) {
	r.mu.Lock()
	wasActive := r.limitExceededActive
	r.limitExceededActive = overLimit
	cb := r.callbacks.SourceLimitExceeded
	u := r.universe
	r.mu.Unlock()

	if overLimit && !wasActive && cb != nil {
		cb(u)
	}
}

// Tick runs the once-per-receive-loop processing: builds online/offline/
// unknown lists, drives the source-loss engine, delivers any sources-lost
// notifications, and handles sampling-period and PAP-timer expiry.
func (r *Receiver) Tick() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}

	now := time.Now()

	if !r.sampling {
		var online []RemoteSourceHandle
		var offline []OfflineSource
		var unknown []UnknownSource

		for h, src := range r.tracked {
			switch {
			case src.dmxThisTick:
				online = append(online, h)
			case now.After(src.packetDeadline):
				offline = append(offline, OfflineSource{Handle: h, Name: src.name, Terminated: src.terminated})
			default:
				unknown = append(unknown, UnknownSource{Handle: h, Name: src.name})
			}
			src.dmxThisTick = false
		}

		r.lossEngine.markSourcesOnline(r.universe, online, &r.termSets)
		r.lossEngine.markSourcesOffline(r.universe, offline, unknown, &r.termSets, r.tWait)
		lost := r.lossEngine.getExpiredSources(&r.termSets)

		if len(lost) > 0 {
			for _, l := range lost {
				if src, ok := r.tracked[l.Handle]; ok {
					delete(r.tracked, l.Handle)
					_ = src
					r.registry.release(l.Handle)
				}
			}
			if r.callbacks.SourcesLost != nil {
				u := r.universe
				cb := r.callbacks.SourcesLost
				r.mu.Unlock()
				cb(u, lost)
				r.mu.Lock()
			}
		}

		under := r.sourceCountMax == 0 || len(r.tracked) < r.sourceCountMax
		if under && r.limitExceededActive {
			r.limitExceededActive = false
		}
	}

	if r.usePAP {
		for h, src := range r.tracked {
			if src.pap == papWaitingForPAP && !src.papDeadline.IsZero() && now.After(src.papDeadline) {
				src.pap = papHaveDMXOnly
				pending := src.pendingDMX
				src.pendingDMX = nil
				if pending != nil {
					src.priority = src.pendingPriority
					r.notifyUniverseData(src, StartCodeDMX, pending, r.sampling || src.sampling)
				}
			} else if src.pap == papHavePAPOnly && !src.papDeadline.IsZero() && now.After(src.papDeadline) {
				if r.callbacks.SourcePAPLost != nil {
					cb := r.callbacks.SourcePAPLost
					u := r.universe
					r.mu.Unlock()
					cb(u, h)
					r.mu.Lock()
				}
				src.pap = papHaveDMXOnly
			} else if src.pap == papHaveDMXAndPAP && !src.papDeadline.IsZero() && now.After(src.papDeadline) {
				if r.callbacks.SourcePAPLost != nil {
					cb := r.callbacks.SourcePAPLost
					u := r.universe
					r.mu.Unlock()
					cb(u, h)
					r.mu.Lock()
				}
				src.pap = papHaveDMXOnly
			}
		}
	}

	if r.sampling && now.After(r.sampleDeadline) {
		allCurrent := true
		for idx, cur := range r.samplingIfaces {
			if !cur {
				allCurrent = false
				_ = idx
				break
			}
		}
		if allCurrent {
			r.sampling = false
			for idx := range r.samplingIfaces {
				r.samplingIfaces[idx] = true
			}
			for _, src := range r.tracked {
				src.sampling = false
			}
			if r.callbacks.SamplingPeriodEnded != nil {
				cb := r.callbacks.SamplingPeriodEnded
				u := r.universe
				r.mu.Unlock()
				cb(u)
				r.mu.Lock()
			}
		}
	}

	r.mu.Unlock()
}
