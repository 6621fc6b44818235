package sacn

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// BindPolicy selects how SocketRefs bind.
type BindPolicy int

const (
	// BindAll has every SocketRef bind the wildcard address on port 5568.
	// Default on non-Linux builds.
	BindAll BindPolicy = iota
	// BindLimited binds only one socket per IP family per receive thread;
	// other sockets are created unbound. Default on Linux, where the kernel
	// otherwise delivers one copy of a multicast datagram per joined socket.
	BindLimited
)

// DefaultBindPolicy picks BindLimited on Linux (where the kernel delivers one
// copy of a multicast datagram per joined socket) and BindAll elsewhere.
func DefaultBindPolicy(goos string) BindPolicy {
	if goos == "linux" {
		return BindLimited
	}
	return BindAll
}

// maxGroupsPerSocket caps how many (universe, interface) groups may be joined
// on one SocketRef before AcquireSocketRef creates a new one under BindAll.
// Under BindLimited every caller shares one SocketRef per family and the cap
// is not applied.
const maxGroupsPerSocket = 20

type socketFamily int

const (
	familyV4 socketFamily = iota
	familyV6
)

// SocketRef is a shared UDP socket joined to zero or more multicast groups on
// behalf of up to maxGroupsPerSocket universes. Refcount tracks how many
// universes currently use it; at zero it is queued for close on the receive
// thread, never closed synchronously out from under an in-flight read.
type SocketRef struct {
	ID       string
	family   socketFamily
	pconn4   *ipv4.PacketConn
	pconn6   *ipv6.PacketConn
	raw      net.PacketConn
	refcount int
	pending  bool // awaiting bind on the receive thread's pendingNewSockets queue
	groups   map[groupKey]struct{}
}

type groupKey struct {
	universe uint16
	ifIndex  int
}

func (s *SocketRef) full() bool { return len(s.groups) >= maxGroupsPerSocket }

type subscribeOp struct {
	ref     *SocketRef
	ifIndex int
	iface   *net.Interface
	group   net.IP
	universe uint16
}

type unsubscribeOp struct {
	ref      *SocketRef
	ifIndex  int
	iface    *net.Interface
	group    net.IP
	universe uint16
}

// ReadResult is one datagram handed up from the socket plane to a receiver
// dispatcher, carrying the arriving interface identity needed for
// per-interface sampling-period tracking.
type ReadResult struct {
	Data    []byte
	Src     *net.UDPAddr
	IfIndex int
	Ref     *SocketRef
}

// SocketManager owns every SocketRef used by the receivers and source
// detector assigned to one receive thread, plus the four queued-operation
// mailboxes. API calls never join/leave/bind/close directly; they enqueue
// here, and DrainQueues (called at the top of each receive-thread loop
// iteration) performs the syscalls.
type SocketManager struct {
	mu          sync.Mutex
	bindPolicy  BindPolicy
	ipVersion   IPVersion
	readTimeout time.Duration

	refs map[string]*SocketRef

	// bind-limited mode: the one bound socket per family for this thread.
	sharedV4 *SocketRef
	sharedV6 *SocketRef

	pendingSubscribe   []subscribeOp
	pendingUnsubscribe []unsubscribeOp
	pendingNewSockets  []*SocketRef
	deadSockets        []*SocketRef

	results chan ReadResult
	readers sync.WaitGroup
	stop    chan struct{}
	stopped bool
}

// NewSocketManager constructs a manager for one receive thread.
func NewSocketManager(bindPolicy BindPolicy, ipVersion IPVersion, readTimeout time.Duration) *SocketManager {
	if readTimeout <= 0 {
		readTimeout = DefaultTRead
	}
	return &SocketManager{
		bindPolicy:  bindPolicy,
		ipVersion:   ipVersion,
		readTimeout: readTimeout,
		refs:        make(map[string]*SocketRef),
		results:     make(chan ReadResult, 256),
		stop:        make(chan struct{}),
	}
}

// AcquireSocketRef returns a SocketRef of the given family: under BindLimited
// the one shared ref, under BindAll an existing ref that is not full or else a
// new one. A newly created ref is not yet bound; it is queued on
// pendingNewSockets and bound during the next DrainQueues. An existing ref is
// returned as it is.
func (m *SocketManager) AcquireSocketRef(family socketFamily) (*SocketRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bindPolicy == BindLimited {
		shared := m.sharedSlot(family)
		if *shared == nil {
			ref, err := m.newRef(family)
			if err != nil {
				return nil, err
			}
			*shared = ref
		}
		(*shared).refcount++
		return *shared, nil
	}

	for _, ref := range m.refs {
		if ref.family == family && !ref.full() {
			ref.refcount++
			return ref, nil
		}
	}

	ref, err := m.newRef(family)
	if err != nil {
		return nil, err
	}
	ref.refcount = 1
	return ref, nil
}

func (m *SocketManager) sharedSlot(family socketFamily) **SocketRef {
	if family == familyV4 {
		return &m.sharedV4
	}
	return &m.sharedV6
}

func (m *SocketManager) newRef(family socketFamily) (*SocketRef, error) {
	ref := &SocketRef{
		ID:      xid.New().String(),
		family:  family,
		pending: true,
		groups:  make(map[groupKey]struct{}),
	}
	m.refs[ref.ID] = ref
	m.pendingNewSockets = append(m.pendingNewSockets, ref)
	return ref, nil
}

// ReleaseSocketRef decrements ref's refcount; at zero the ref is moved to the
// dead-sockets queue for the receive thread to close.
func (m *SocketManager) ReleaseSocketRef(ref *SocketRef) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref.refcount--
	if ref.refcount > 0 {
		return
	}

	delete(m.refs, ref.ID)
	if m.sharedV4 == ref {
		m.sharedV4 = nil
	}
	if m.sharedV6 == ref {
		m.sharedV6 = nil
	}
	m.deadSockets = append(m.deadSockets, ref)
}

// EnqueueSubscribe queues a multicast join. If a matching unsubscribe for the
// same (ref, ifIndex, group) is already pending, both are cancelled and no
// syscall is ever made.
func (m *SocketManager) EnqueueSubscribe(ref *SocketRef, universe uint16, iface *net.Interface, ifIndex int, group net.IP) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, op := range m.pendingUnsubscribe {
		if op.ref == ref && op.ifIndex == ifIndex && op.group.Equal(group) {
			m.pendingUnsubscribe = append(m.pendingUnsubscribe[:i], m.pendingUnsubscribe[i+1:]...)
			return
		}
	}
	m.pendingSubscribe = append(m.pendingSubscribe, subscribeOp{ref: ref, ifIndex: ifIndex, iface: iface, group: group, universe: universe})
}

// EnqueueUnsubscribe queues a multicast leave, applying the same
// cancellation rule in the opposite direction.
func (m *SocketManager) EnqueueUnsubscribe(ref *SocketRef, universe uint16, iface *net.Interface, ifIndex int, group net.IP) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, op := range m.pendingSubscribe {
		if op.ref == ref && op.ifIndex == ifIndex && op.group.Equal(group) {
			m.pendingSubscribe = append(m.pendingSubscribe[:i], m.pendingSubscribe[i+1:]...)
			return
		}
	}
	m.pendingUnsubscribe = append(m.pendingUnsubscribe, unsubscribeOp{ref: ref, ifIndex: ifIndex, iface: iface, group: group, universe: universe})
}

// DrainQueues performs every queued bind/join/leave/close syscall. Called at
// the top of each receive-thread loop iteration, never concurrently with
// itself.
func (m *SocketManager) DrainQueues() {
	m.mu.Lock()
	newSockets := m.pendingNewSockets
	m.pendingNewSockets = nil
	subs := m.pendingSubscribe
	m.pendingSubscribe = nil
	unsubs := m.pendingUnsubscribe
	m.pendingUnsubscribe = nil
	dead := m.deadSockets
	m.deadSockets = nil
	m.mu.Unlock()

	for _, ref := range newSockets {
		m.bind(ref)
	}
	for _, op := range subs {
		m.join(op)
	}
	for _, op := range unsubs {
		m.leave(op)
	}
	for _, ref := range dead {
		m.closeRef(ref)
	}
}

// bind performs the deferred ListenPacket for a ref queued by AcquireSocketRef.
// A failure here drops ref from m.refs so no dead SocketRef lingers and a
// later AcquireSocketRef call gets a fresh attempt instead of reusing it.
func (m *SocketManager) bind(ref *SocketRef) {
	addr := ":0"
	if m.bindPolicy == BindAll || (m.bindPolicy == BindLimited && ref == m.sharedV4) || (m.bindPolicy == BindLimited && ref == m.sharedV6) {
		addr = portAddr(ref.family)
	}

	network := "udp4"
	if ref.family == familyV6 {
		network = "udp6"
	}

	lc := listenConfig()
	conn, err := lc.ListenPacket(context.Background(), network, addr)
	if err != nil {
		ref.pending = false
		m.mu.Lock()
		delete(m.refs, ref.ID)
		if m.sharedV4 == ref {
			m.sharedV4 = nil
		}
		if m.sharedV6 == ref {
			m.sharedV6 = nil
		}
		m.mu.Unlock()
		return
	}
	ref.raw = conn
	if ref.family == familyV4 {
		ref.pconn4 = ipv4.NewPacketConn(conn)
		ref.pconn4.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst, true)
	} else {
		ref.pconn6 = ipv6.NewPacketConn(conn)
		ref.pconn6.SetControlMessage(ipv6.FlagInterface|ipv6.FlagDst, true)
	}
	ref.pending = false
	m.startReader(ref)
}

func portAddr(family socketFamily) string {
	if family == familyV6 {
		return ":5568"
	}
	return ":5568"
}

func (m *SocketManager) join(op subscribeOp) {
	if op.ref.raw == nil {
		return
	}
	key := groupKey{universe: op.universe, ifIndex: op.ifIndex}
	if op.ref.family == familyV4 {
		op.ref.pconn4.JoinGroup(op.iface, &net.UDPAddr{IP: op.group})
	} else {
		op.ref.pconn6.JoinGroup(op.iface, &net.UDPAddr{IP: op.group})
	}
	op.ref.groups[key] = struct{}{}
}

func (m *SocketManager) leave(op unsubscribeOp) {
	if op.ref.raw == nil {
		return
	}
	key := groupKey{universe: op.universe, ifIndex: op.ifIndex}
	if op.ref.family == familyV4 {
		op.ref.pconn4.LeaveGroup(op.iface, &net.UDPAddr{IP: op.group})
	} else {
		op.ref.pconn6.LeaveGroup(op.iface, &net.UDPAddr{IP: op.group})
	}
	delete(op.ref.groups, key)
}

func (m *SocketManager) closeRef(ref *SocketRef) {
	if ref.raw != nil {
		ref.raw.Close()
	}
}

// startReader launches the goroutine that reads ref with bounded timeouts and
// forwards datagrams to Results(). Every read is bounded by readTimeout so no
// goroutine blocks indefinitely; this models a single multiplexed poll(2)
// loop as one reader goroutine per socket instead.
func (m *SocketManager) startReader(ref *SocketRef) {
	m.readers.Add(1)
	go func() {
		defer m.readers.Done()
		buf := make([]byte, 1500)
		for {
			select {
			case <-m.stop:
				return
			default:
			}

			ref.raw.SetReadDeadline(time.Now().Add(m.readTimeout))

			var n, ifIndex int
			var src net.Addr
			var err error
			if ref.family == familyV4 {
				var cm *ipv4.ControlMessage
				n, cm, src, err = ref.pconn4.ReadFrom(buf)
				if cm != nil {
					ifIndex = cm.IfIndex
				}
			} else {
				var cm *ipv6.ControlMessage
				n, cm, src, err = ref.pconn6.ReadFrom(buf)
				if cm != nil {
					ifIndex = cm.IfIndex
				}
			}

			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				select {
				case <-m.stop:
					return
				default:
					continue
				}
			}

			udpSrc, _ := src.(*net.UDPAddr)
			data := append([]byte(nil), buf[:n]...)
			select {
			case m.results <- ReadResult{Data: data, Src: udpSrc, IfIndex: ifIndex, Ref: ref}:
			case <-m.stop:
				return
			}
		}
	}()
}

// Results returns the channel the receive thread drains datagrams from.
func (m *SocketManager) Results() <-chan ReadResult { return m.results }

// Shutdown stops every reader goroutine and closes all live sockets. It
// blocks until every reader has exited, so destruction only returns once the
// receive side has fully acknowledged it.
func (m *SocketManager) Shutdown() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.stop)
	refs := make([]*SocketRef, 0, len(m.refs))
	for _, ref := range m.refs {
		refs = append(refs, ref)
	}
	m.mu.Unlock()

	m.readers.Wait()
	for _, ref := range refs {
		m.closeRef(ref)
	}
}

// SendMulticast emits buf to universe's multicast group on one interface's
// socket, choosing the family matching the interface. The PDU length
// (already encoded in buf) is what is sent, never padded to MTU.
func (m *SocketManager) SendMulticast(ref *SocketRef, universe uint16, buf []byte, iface *net.Interface) error {
	if ref.raw == nil {
		return newErr("SendMulticast", ErrSystem, net.ErrClosed)
	}
	var group net.IP
	var port = Port
	if universe == DiscoveryUniverse {
		if ref.family == familyV4 {
			group = discoveryMulticastV4
		} else {
			group = discoveryMulticastV6
		}
	} else if ref.family == familyV4 {
		group = MulticastAddrV4(universe)
	} else {
		group = MulticastAddrV6(universe)
	}

	if ref.family == familyV4 {
		if iface != nil {
			ref.pconn4.SetMulticastInterface(iface)
		}
		_, err := ref.pconn4.WriteTo(buf, nil, &net.UDPAddr{IP: group, Port: port})
		return err
	}
	if iface != nil {
		ref.pconn6.SetMulticastInterface(iface)
	}
	_, err := ref.pconn6.WriteTo(buf, nil, &net.UDPAddr{IP: group, Port: port})
	return err
}

// SendUnicast emits buf once to dst.
func (m *SocketManager) SendUnicast(ref *SocketRef, buf []byte, dst *net.UDPAddr) error {
	if ref.raw == nil {
		return newErr("SendUnicast", ErrSystem, net.ErrClosed)
	}
	_, err := ref.raw.WriteTo(buf, dst)
	return err
}
