package sacn

import (
	"sort"
	"sync"
	"time"
)

// detectedSource is one source's aggregated per-universe footprint as seen
// via Universe Discovery.
type detectedSource struct {
	cid        CID
	handle     RemoteSourceHandle
	name       string
	universes  []uint16
	pages      map[uint8][]uint16 // page -> universes, reassembled as pages arrive
	lastPage   uint8
	sawAllPages bool
	lastSeen   time.Time
}

// SourceDetectorCallbacks report discovery-driven source/universe-list
// changes.
type SourceDetectorCallbacks struct {
	SourceUpdated       func(source RemoteSourceHandle, cid CID, name string, universes []uint16)
	SourceExpired       func(source RemoteSourceHandle, name string)
	SourceLimitExceeded func()
}

// SourceDetectorConfig configures a SourceDetector.
type SourceDetectorConfig struct {
	SourceCountMax    int // 0 = unlimited
	UniverseCountMax  int // 0 = unlimited; caps universes reported per source
	IPVersion         IPVersion
	Callbacks         SourceDetectorCallbacks
	Registry          *remoteSourceRegistry
	Sockets           *SocketManager
}

// SourceDetector is the singleton Universe-Discovery-only listener: it joins
// the reserved discovery universe, reassembles multi-page source
// announcements, and expires a source's entry after TSourceDetectorExpiry of
// silence.
type SourceDetector struct {
	mu sync.Mutex

	registry         *remoteSourceRegistry
	sockets          *SocketManager
	callbacks        SourceDetectorCallbacks
	sourceCountMax   int
	universeCountMax int
	ipVersion        IPVersion

	sources             map[RemoteSourceHandle]*detectedSource
	limitExceededActive bool

	socketRefV4 *SocketRef
	socketRefV6 *SocketRef

	destroyed bool
}

// NewSourceDetector creates and joins a SourceDetector to the discovery
// universe on every usable multicast-capable interface.
func NewSourceDetector(cfg SourceDetectorConfig) (*SourceDetector, error) {
	if cfg.Registry == nil || cfg.Sockets == nil {
		return nil, newErr("NewSourceDetector", ErrInvalidArgument, nil)
	}

	d := &SourceDetector{
		registry:         cfg.Registry,
		sockets:          cfg.Sockets,
		callbacks:        cfg.Callbacks,
		sourceCountMax:   cfg.SourceCountMax,
		universeCountMax: cfg.UniverseCountMax,
		ipVersion:        cfg.IPVersion,
		sources:          make(map[RemoteSourceHandle]*detectedSource),
	}

	netints, err := EnumerateInterfaces(nil)
	if err != nil {
		return nil, err
	}
	usable := usableInterfaces(netints)
	if len(usable) == 0 {
		return nil, newErr("NewSourceDetector", ErrNoNetworkInterfaces, nil)
	}

	v4Group := discoveryMulticastV4
	v6Group := discoveryMulticastV6

	if d.ipVersion.wantsV4() {
		if ref, err := d.sockets.AcquireSocketRef(familyV4); err == nil {
			d.socketRefV4 = ref
			for _, iface := range usable {
				d.sockets.EnqueueSubscribe(ref, DiscoveryUniverse, &iface, iface.Index, v4Group)
			}
		}
	}
	if d.ipVersion.wantsV6() {
		if ref, err := d.sockets.AcquireSocketRef(familyV6); err == nil {
			d.socketRefV6 = ref
			for _, iface := range usable {
				d.sockets.EnqueueSubscribe(ref, DiscoveryUniverse, &iface, iface.Index, v6Group)
			}
		}
	}

	return d, nil
}

// Destroy releases the detector's sockets.
func (d *SourceDetector) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	d.destroyed = true
	if d.socketRefV4 != nil {
		d.sockets.ReleaseSocketRef(d.socketRefV4)
	}
	if d.socketRefV6 != nil {
		d.sockets.ReleaseSocketRef(d.socketRefV6)
	}
	for h := range d.sources {
		d.registry.release(h)
	}
	d.sources = nil
}

// HandleDiscoveryPacket processes one decoded Universe Discovery page.
func (d *SourceDetector) HandleDiscoveryPacket(pkt DiscoveryPacket) {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}

	handle, err := d.registry.add(pkt.CID)
	if err != nil {
		d.mu.Unlock()
		return
	}

	src, existed := d.sources[handle]
	if !existed {
		if d.sourceCountMax > 0 && len(d.sources) >= d.sourceCountMax {
			d.registry.release(handle)
			d.mu.Unlock()
			d.maybeNotifyLimitExceeded(true)
			return
		}
		src = &detectedSource{cid: pkt.CID, handle: handle, pages: make(map[uint8][]uint16)}
		d.sources[handle] = src
	} else {
		d.registry.release(handle) // add() above was redundant; existing entry already holds a reference
	}

	src.name = pkt.SourceName
	src.lastSeen = time.Now()
	src.lastPage = pkt.LastPage
	src.pages[pkt.Page] = pkt.Universes

	complete := true
	var all []uint16
	for p := uint8(0); p <= pkt.LastPage; p++ {
		us, ok := src.pages[p]
		if !ok {
			complete = false
			break
		}
		all = append(all, us...)
	}

	if complete {
		overUniverseLimit := d.universeCountMax > 0 && len(all) > d.universeCountMax
		if overUniverseLimit {
			all = all[:d.universeCountMax]
		}
		changed := !universeListsEqual(src.universes, all)
		src.universes = all
		src.sawAllPages = true
		if pkt.Page == pkt.LastPage {
			src.pages = make(map[uint8][]uint16)
		}
		if overUniverseLimit {
			d.mu.Unlock()
			d.maybeNotifyLimitExceeded(true)
			d.mu.Lock()
		}
		if changed && d.callbacks.SourceUpdated != nil {
			cb := d.callbacks.SourceUpdated
			name := src.name
			cid := src.cid
			universes := append([]uint16(nil), all...)
			d.mu.Unlock()
			cb(handle, cid, name, universes)
			return
		}
	}
	d.mu.Unlock()
}

// universeListsEqual reports whether a and b contain the same universes,
// ignoring order: a source re-announcing its discovery pages every
// TDiscovery need not carry the same page-split ordering each time.
func universeListsEqual(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]uint16(nil), a...)
	sb := append([]uint16(nil), b...)
	sort.Slice(sa, func(i, j int) bool { return sa[i] < sa[j] })
	sort.Slice(sb, func(i, j int) bool { return sb[i] < sb[j] })
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

func (d *SourceDetector) maybeNotifyLimitExceeded(overLimit bool) {
	d.mu.Lock()
	wasActive := d.limitExceededActive
	d.limitExceededActive = overLimit
	cb := d.callbacks.SourceLimitExceeded
	d.mu.Unlock()

	if overLimit && !wasActive && cb != nil {
		cb()
	}
}

// Tick expires any source silent for longer than TSourceDetectorExpiry.
func (d *SourceDetector) Tick() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}

	now := time.Now()
	var expired []RemoteSourceHandle
	names := make(map[RemoteSourceHandle]string)
	for h, src := range d.sources {
		if now.Sub(src.lastSeen) > TSourceDetectorExpiry {
			expired = append(expired, h)
			names[h] = src.name
		}
	}
	for _, h := range expired {
		delete(d.sources, h)
		d.registry.release(h)
	}

	under := d.sourceCountMax == 0 || len(d.sources) < d.sourceCountMax
	if under && d.limitExceededActive {
		d.limitExceededActive = false
	}

	cb := d.callbacks.SourceExpired
	d.mu.Unlock()

	if cb != nil {
		for _, h := range expired {
			cb(h, names[h])
		}
	}
}
