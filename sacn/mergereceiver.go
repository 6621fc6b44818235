package sacn

import (
	"sync"
	"time"
)

// MergeReceiverCallbacks report merged output and pass through anything a
// Merger cannot use.
type MergeReceiverCallbacks struct {
	MergedData            func(universe uint16, output *MergerOutput, activeSources []RemoteSourceHandle)
	SourcesLost           func(universe uint16, lost []LostSource)
	SamplingPeriodStarted func(universe uint16)
	SamplingPeriodEnded   func(universe uint16)
	SourceLimitExceeded   func(universe uint16)
	NonDMXData            func(universe uint16, source RemoteSourceHandle, cid CID, name string, startCode StartCode, slots []byte)
}

// pendingMerge tracks whether a newly-seen source has supplied enough data
// to count toward "at least one non-pending source" before merged-data
// notifications begin.
type pendingMerge struct {
	haveLevel  bool
	papResolved bool // either a PAP packet arrived or the PAP-wait grace period expired
}

// MergeReceiver layers an HTP DMX merge on top of a Receiver: it owns a
// primary Merger for confirmed (post-sampling) sources and, while the
// underlying Receiver is in its sampling period, a second isolated Merger so
// that sampling-only sources never contaminate the steady-state merge. When
// the sampling period ends, every source tracked in the sampling merger is
// migrated into the primary one.
type MergeReceiver struct {
	mu sync.Mutex

	receiver *Receiver

	primary    *Merger
	primaryOut *MergerOutput

	sampling    *Merger
	samplingOut *MergerOutput
	inSampling  bool

	pending map[RemoteSourceHandle]*pendingMerge

	callbacks MergeReceiverCallbacks
	usePAP    bool
}

// MergeReceiverConfig configures a new MergeReceiver. It wraps ReceiverConfig
// but owns the UniverseData callback internally to drive the merge.
type MergeReceiverConfig struct {
	Universe       uint16
	Interfaces     []string
	PreviewFilter  bool
	SourceCountMax int
	IPVersion      IPVersion
	UsePAP         bool
	TWait          time.Duration
	Callbacks      MergeReceiverCallbacks

	Registry   *remoteSourceRegistry
	LossEngine *sourceLossEngine
	Sockets    *SocketManager
}

// NewMergeReceiver creates a MergeReceiver and its underlying Receiver.
func NewMergeReceiver(cfg MergeReceiverConfig) (*MergeReceiver, error) {
	m := &MergeReceiver{
		primaryOut:  &MergerOutput{},
		samplingOut: &MergerOutput{},
		pending:     make(map[RemoteSourceHandle]*pendingMerge),
		callbacks:   cfg.Callbacks,
		usePAP:      cfg.UsePAP,
		inSampling:  true,
	}
	m.primary = NewMerger(m.primaryOut)
	m.sampling = NewMerger(m.samplingOut)

	rcfg := ReceiverConfig{
		Universe:       cfg.Universe,
		Interfaces:     cfg.Interfaces,
		PreviewFilter:  cfg.PreviewFilter,
		SourceCountMax: cfg.SourceCountMax,
		IPVersion:      cfg.IPVersion,
		UsePAP:         cfg.UsePAP,
		TWait:          cfg.TWait,
		Registry:       cfg.Registry,
		LossEngine:     cfg.LossEngine,
		Sockets:        cfg.Sockets,
		Callbacks: ReceiverCallbacks{
			UniverseData:          m.onUniverseData,
			SourcesLost:           m.onSourcesLost,
			SamplingPeriodStarted: m.onSamplingStarted,
			SamplingPeriodEnded:   m.onSamplingEnded,
			SourceLimitExceeded:   cfg.Callbacks.SourceLimitExceeded,
		},
	}

	r, err := NewReceiver(rcfg)
	if err != nil {
		return nil, err
	}
	m.receiver = r
	return m, nil
}

// Handle returns the underlying receiver's handle.
func (m *MergeReceiver) Handle() ReceiverHandle { return m.receiver.Handle() }

// Destroy tears down the underlying receiver.
func (m *MergeReceiver) Destroy() { m.receiver.Destroy() }

// Tick drives the underlying receiver's network-data-loss and sampling-period
// timers. Callers own the schedule, same as Receiver.Tick.
func (m *MergeReceiver) Tick() { m.receiver.Tick() }

func (m *MergeReceiver) activeMerger(isSampling bool) (*Merger, *MergerOutput) {
	if isSampling && m.inSampling {
		return m.sampling, m.samplingOut
	}
	return m.primary, m.primaryOut
}

func (m *MergeReceiver) onUniverseData(universe uint16, source RemoteSourceHandle, cid CID, name string, priority uint8, startCode StartCode, slots []byte, isSampling bool) {
	if startCode != StartCodeDMX && startCode != StartCodePAP {
		if m.callbacks.NonDMXData != nil {
			m.callbacks.NonDMXData(universe, source, cid, name, startCode, slots)
		}
		return
	}

	m.mu.Lock()

	merger, out := m.activeMerger(isSampling)
	if merger.sources[source] == nil {
		merger.AddSource(source, priority)
	}

	pend, tracked := m.pending[source]
	if !tracked {
		pend = &pendingMerge{papResolved: !m.usePAP}
		m.pending[source] = pend
	}

	switch startCode {
	case StartCodeDMX:
		merger.UpdateUniversePriority(source, priority)
		merger.UpdateLevels(source, slots)
		pend.haveLevel = true
	case StartCodePAP:
		merger.UpdatePAP(source, slots)
		pend.papResolved = true
	}

	stillPending := !pend.haveLevel || !pend.papResolved
	if !stillPending {
		delete(m.pending, source)
	}

	pendingInMerger := m.pendingInMerger(merger)
	var active []RemoteSourceHandle
	for h := range merger.sources {
		if _, stillPending := pendingInMerger[h]; !stillPending {
			active = append(active, h)
		}
	}

	cb := m.callbacks.MergedData
	if len(active) < 1 {
		cb = nil
	}
	m.mu.Unlock()

	if cb != nil {
		cb(universe, out, active)
	}
}

// pendingInMerger returns the subset of m.pending whose source currently
// participates in merger (used to decide whether merger has at least one
// non-pending, i.e. confirmed, contributor).
func (m *MergeReceiver) pendingInMerger(merger *Merger) map[RemoteSourceHandle]*pendingMerge {
	out := make(map[RemoteSourceHandle]*pendingMerge)
	for h, p := range m.pending {
		if _, ok := merger.sources[h]; ok {
			out[h] = p
		}
	}
	return out
}

func (m *MergeReceiver) onSourcesLost(universe uint16, lost []LostSource) {
	m.mu.Lock()
	for _, l := range lost {
		m.primary.RemoveSource(l.Handle)
		m.sampling.RemoveSource(l.Handle)
		delete(m.pending, l.Handle)
	}
	m.mu.Unlock()

	if m.callbacks.SourcesLost != nil {
		m.callbacks.SourcesLost(universe, lost)
	}
}

func (m *MergeReceiver) onSamplingStarted(universe uint16) {
	m.mu.Lock()
	m.inSampling = true
	m.mu.Unlock()
	if m.callbacks.SamplingPeriodStarted != nil {
		m.callbacks.SamplingPeriodStarted(universe)
	}
}

// onSamplingEnded migrates every source tracked only in the sampling merger
// into the primary merger, then retires the sampling merger until the next
// sampling period.
func (m *MergeReceiver) onSamplingEnded(universe uint16) {
	m.mu.Lock()
	for handle, src := range m.sampling.sources {
		if _, already := m.primary.sources[handle]; !already {
			m.primary.AddSource(handle, src.universePriority)
			m.primary.UpdateLevels(handle, src.levels[:])
			if m.usePAP {
				pap := make([]byte, DMXAddressCount)
				for i, active := range src.usingPAP {
					if active {
						pap[i] = src.pap[i]
					}
				}
				m.primary.UpdatePAP(handle, pap)
			}
		}
	}
	m.sampling = NewMerger(m.samplingOut)
	m.inSampling = false
	m.mu.Unlock()

	if m.callbacks.SamplingPeriodEnded != nil {
		m.callbacks.SamplingPeriodEnded(universe)
	}
}
