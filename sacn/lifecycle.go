package sacn

import (
	"runtime"
	"sync"
	"time"
)

// Feature is a bitflag selecting which subsystems Init brings up.
type Feature uint

const (
	// FeatureNetworking brings up the socket/subscription plane, the
	// process-wide remote-source registry, and the source-loss engine —
	// required by Receiver, SourceDetector, Source and MergeReceiver alike.
	FeatureNetworking Feature = 1 << iota
	// FeatureDMXMerger is reference-counted by Init and Deinit. No constructor
	// checks it: Receiver, Source, MergeReceiver and the standalone Merger are
	// all created without it.
	FeatureDMXMerger

	featureCount
)

const allFeatures = featureCount - 1

// Manager is the process-wide collaborator set every Receiver, Source,
// SourceDetector and MergeReceiver is built from. It corresponds to the
// reference library's global init state: two independent reference counts
// (one per Feature bit) behind two separate locks, so bringing up the
// DMX-merger feature never contends with the receive/send networking locks.
type Manager struct {
	netMu      sync.Mutex
	netRefs    int
	sockets    *SocketManager
	registry   *remoteSourceRegistry
	lossEngine *sourceLossEngine
	dispatcher *Dispatcher
	dispatchStop chan struct{}

	mergerMu   sync.Mutex
	mergerRefs int

	bindPolicy BindPolicy
	ipVersion  IPVersion
	readTimeout time.Duration

	drainStop chan struct{}
	drainDone chan struct{}
}

// NewManager constructs an uninitialized Manager. Call Init before creating
// any Receiver/Source/SourceDetector/MergeReceiver.
func NewManager(ipVersion IPVersion) *Manager {
	return &Manager{
		bindPolicy:  DefaultBindPolicy(runtime.GOOS),
		ipVersion:   ipVersion,
		readTimeout: DefaultTRead,
	}
}

// Init brings up every subsystem named in features. Repeated calls are
// idempotent per bit: each bit has its own reference count, and a bit already
// active is simply counted again. None of the steps Init performs can fail;
// it always returns nil.
func (m *Manager) Init(features Feature) error {
	if features&FeatureNetworking != 0 {
		m.netMu.Lock()
		if m.netRefs == 0 {
			m.sockets = NewSocketManager(m.bindPolicy, m.ipVersion, m.readTimeout)
			m.registry = newRemoteSourceRegistry()
			m.lossEngine = newSourceLossEngine()
			m.dispatcher = NewDispatcher()
			m.drainStop = make(chan struct{})
			m.drainDone = make(chan struct{})
			m.dispatchStop = make(chan struct{})
			go m.drainLoop(m.sockets, m.drainStop, m.drainDone)
			go m.dispatcher.Run(m.sockets, m.dispatchStop)
		}
		m.netRefs++
		m.netMu.Unlock()
	}

	if features&FeatureDMXMerger != 0 {
		m.mergerMu.Lock()
		m.mergerRefs++
		m.mergerMu.Unlock()
	}

	return nil
}

// Deinit releases a reference to every subsystem named in features. The last
// release of FeatureNetworking stops the drain loop and shuts down every
// socket.
func (m *Manager) Deinit(features Feature) {
	if features&FeatureNetworking != 0 {
		m.netMu.Lock()
		if m.netRefs > 0 {
			m.netRefs--
			if m.netRefs == 0 {
				close(m.drainStop)
				<-m.drainDone
				close(m.dispatchStop)
				m.sockets.Shutdown()
				m.sockets = nil
				m.registry = nil
				m.lossEngine = nil
				m.dispatcher = nil
			}
		}
		m.netMu.Unlock()
	}

	if features&FeatureDMXMerger != 0 {
		m.mergerMu.Lock()
		if m.mergerRefs > 0 {
			m.mergerRefs--
		}
		m.mergerMu.Unlock()
	}
}

// drainLoop periodically drains the socket manager's queued subscribe/
// unsubscribe/bind/close operations, standing in for the single receive
// thread's "drain queues, then poll" cycle head.
func (m *Manager) drainLoop(sockets *SocketManager, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(DefaultTRead)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			sockets.DrainQueues()
		case <-stop:
			sockets.DrainQueues()
			return
		}
	}
}

// Sockets returns the shared SocketManager. Panics-free: returns nil if
// FeatureNetworking is not initialized.
func (m *Manager) Sockets() *SocketManager {
	m.netMu.Lock()
	defer m.netMu.Unlock()
	return m.sockets
}

// Registry returns the shared remote-source registry, or nil if
// FeatureNetworking is not initialized.
func (m *Manager) Registry() *remoteSourceRegistry {
	m.netMu.Lock()
	defer m.netMu.Unlock()
	return m.registry
}

// LossEngine returns the shared source-loss engine, or nil if
// FeatureNetworking is not initialized.
func (m *Manager) LossEngine() *sourceLossEngine {
	m.netMu.Lock()
	defer m.netMu.Unlock()
	return m.lossEngine
}

// SetBindPolicy overrides the platform default bind policy. Must be called
// before Init(FeatureNetworking).
func (m *Manager) SetBindPolicy(p BindPolicy) { m.bindPolicy = p }

// SetReadTimeout overrides the per-socket read deadline. Must be called
// before Init(FeatureNetworking).
func (m *Manager) SetReadTimeout(d time.Duration) { m.readTimeout = d }

// NewReceiver creates a Receiver using the Manager's shared collaborators and
// registers it with the Manager's Dispatcher so inbound packets reach it.
// FeatureNetworking must already be initialized.
func (m *Manager) NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	cfg.Registry = m.Registry()
	cfg.LossEngine = m.LossEngine()
	cfg.Sockets = m.Sockets()
	if cfg.Registry == nil || cfg.LossEngine == nil || cfg.Sockets == nil {
		return nil, newErr("Manager.NewReceiver", ErrNotInitialized, nil)
	}
	r, err := NewReceiver(cfg)
	if err != nil {
		return nil, err
	}
	m.dispatcher.RegisterReceiver(cfg.Universe, r)
	return r, nil
}

// DestroyReceiver unregisters r from the Dispatcher and destroys it.
func (m *Manager) DestroyReceiver(r *Receiver) {
	m.dispatcher.UnregisterReceiver(r.Universe())
	r.Destroy()
}

// NewMergeReceiver creates a MergeReceiver using the Manager's shared
// collaborators and registers it with the Dispatcher.
func (m *Manager) NewMergeReceiver(cfg MergeReceiverConfig) (*MergeReceiver, error) {
	cfg.Registry = m.Registry()
	cfg.LossEngine = m.LossEngine()
	cfg.Sockets = m.Sockets()
	if cfg.Registry == nil || cfg.LossEngine == nil || cfg.Sockets == nil {
		return nil, newErr("Manager.NewMergeReceiver", ErrNotInitialized, nil)
	}
	mr, err := NewMergeReceiver(cfg)
	if err != nil {
		return nil, err
	}
	m.dispatcher.RegisterReceiver(cfg.Universe, mr)
	return mr, nil
}

// DestroyMergeReceiver unregisters mr from the Dispatcher and destroys it.
func (m *Manager) DestroyMergeReceiver(mr *MergeReceiver, universe uint16) {
	m.dispatcher.UnregisterReceiver(universe)
	mr.Destroy()
}

// NewSourceDetector creates the process's SourceDetector and registers it
// with the Dispatcher.
func (m *Manager) NewSourceDetector(cfg SourceDetectorConfig) (*SourceDetector, error) {
	cfg.Registry = m.Registry()
	cfg.Sockets = m.Sockets()
	if cfg.Registry == nil || cfg.Sockets == nil {
		return nil, newErr("Manager.NewSourceDetector", ErrNotInitialized, nil)
	}
	d, err := NewSourceDetector(cfg)
	if err != nil {
		return nil, err
	}
	m.dispatcher.RegisterSourceDetector(d)
	return d, nil
}

// NewSource creates a Source using the Manager's shared SocketManager.
func (m *Manager) NewSource(cfg SourceConfig) (*Source, error) {
	cfg.Sockets = m.Sockets()
	if cfg.Sockets == nil {
		return nil, newErr("Manager.NewSource", ErrNotInitialized, nil)
	}
	return NewSource(cfg)
}

// NewStandaloneMerger creates a Merger independent of any Receiver, for
// applications that decode packets themselves and only want the merge
// algorithm. It does not check whether FeatureDMXMerger has been initialized.
func (m *Manager) NewStandaloneMerger(out *MergerOutput) *Merger {
	return NewMerger(out)
}
