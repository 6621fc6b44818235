package sacn

import "sync"

// packetSink is anything that consumes decoded data PDUs for one universe.
// Receiver satisfies it directly; MergeReceiver forwards to its internal
// Receiver.
type packetSink interface {
	HandlePacket(pkt DataPacket, ifIndex int)
}

// HandlePacket forwards to the MergeReceiver's internal Receiver, so a
// MergeReceiver can be registered with a Dispatcher exactly like a Receiver.
func (m *MergeReceiver) HandlePacket(pkt DataPacket, ifIndex int) {
	m.receiver.HandlePacket(pkt, ifIndex)
}

// Dispatcher reads decoded datagrams off a SocketManager's result channel
// and routes them by universe, standing in for the single receive thread's
// "read, parse, dispatch" loop body (joined with the per-socket-goroutine
// model in sockets.go rather than a single poll(2) loop).
type Dispatcher struct {
	mu        sync.RWMutex
	receivers map[uint16]packetSink
	detector  *SourceDetector
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{receivers: make(map[uint16]packetSink)}
}

// RegisterReceiver routes every future data PDU for universe to sink.
func (d *Dispatcher) RegisterReceiver(universe uint16, sink packetSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receivers[universe] = sink
}

// UnregisterReceiver stops routing universe's data PDUs.
func (d *Dispatcher) UnregisterReceiver(universe uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.receivers, universe)
}

// RegisterSourceDetector routes every decoded Universe Discovery page to det.
// Only one detector is meaningful per Dispatcher; it is a process-wide
// singleton.
func (d *Dispatcher) RegisterSourceDetector(det *SourceDetector) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detector = det
}

// Dispatch decodes one datagram and routes it. Structurally invalid or
// unrecognized-universe datagrams are dropped silently.
func (d *Dispatcher) Dispatch(res ReadResult) {
	if pkt, ok := ParseDataPacket(res.Data); ok {
		d.mu.RLock()
		sink := d.receivers[pkt.Universe]
		d.mu.RUnlock()
		if sink != nil {
			sink.HandlePacket(pkt, res.IfIndex)
		}
		return
	}
	if pkt, ok := ParseDiscoveryPacket(res.Data); ok {
		d.mu.RLock()
		det := d.detector
		d.mu.RUnlock()
		if det != nil {
			det.HandleDiscoveryPacket(pkt)
		}
	}
}

// Run drains sockets.Results() until stop is closed, dispatching every
// datagram. Intended to run in its own goroutine, one per SocketManager.
func (d *Dispatcher) Run(sockets *SocketManager, stop <-chan struct{}) {
	results := sockets.Results()
	for {
		select {
		case res, ok := <-results:
			if !ok {
				return
			}
			d.Dispatch(res)
		case <-stop:
			return
		}
	}
}
