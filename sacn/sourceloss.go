package sacn

import (
	"sync"
	"time"
)

// tsKey is the (handle, universe) identity that must appear in at most one
// termination set system-wide.
type tsKey struct {
	handle   RemoteSourceHandle
	universe uint16
}

// terminationSetSource is one member of a TerminationSet.
type terminationSetSource struct {
	key        tsKey
	name       string
	offline    bool
	terminated bool
}

// TerminationSet is a group of sources observed offline together within a
// short window; it is delivered as a single sources-lost notification once
// every member has resolved to offline, or abandoned piecewise as members
// resolve back online.
type TerminationSet struct {
	waitDeadline time.Time
	sources      map[tsKey]*terminationSetSource
}

// LostSource is one member of a sources-lost notification.
type LostSource struct {
	Handle     RemoteSourceHandle
	Universe   uint16
	Name       string
	Terminated bool
}

// OfflineSource describes a source whose packet timer has expired or which
// sent a Stream-Terminated packet this tick.
type OfflineSource struct {
	Handle     RemoteSourceHandle
	Name       string
	Terminated bool
}

// UnknownSource describes a tracked source that neither sent DMX this tick
// nor has its packet timer expired yet.
type UnknownSource struct {
	Handle RemoteSourceHandle
	Name   string
}

// sourceLossEngine implements the E1.31 network-data-loss rule, grounded on
// original_source/src/sacn/source_loss.c. The process-wide
// index enforces that a (handle, universe) pair is a member of at most one
// termination set at any time, across every receiver; term sets themselves
// are owned per-receiver (in the receiver's own slice) and only the index is
// shared, mirroring the reference's global term_set_sources rbtree next to
// each receiver's own linked list.
type sourceLossEngine struct {
	mu    sync.Mutex
	index map[tsKey]*terminationSetSource
}

func newSourceLossEngine() *sourceLossEngine {
	return &sourceLossEngine{index: make(map[tsKey]*terminationSetSource)}
}

// markSourcesOnline removes every (handle, universe) entry from whichever
// termination set currently holds it; a set that becomes empty is dropped
// from sets.
func (e *sourceLossEngine) markSourcesOnline(universe uint16, online []RemoteSourceHandle, sets *[]*TerminationSet) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, h := range online {
		key := tsKey{h, universe}
		if _, ok := e.index[key]; !ok {
			continue
		}
		delete(e.index, key)

		kept := (*sets)[:0]
		for _, ts := range *sets {
			if _, had := ts.sources[key]; had {
				delete(ts.sources, key)
			}
			if len(ts.sources) > 0 {
				kept = append(kept, ts)
			}
		}
		*sets = kept
	}
}

// removeFromSets unlinks a single (handle, universe) pair from the index and
// from whichever termination set currently holds it, dropping that set if it
// becomes empty. Used when a source is reported lost outside the normal
// expiry path (e.g. an explicit Stream-Terminated packet arrives while the
// source is already a termination-set member) so the stale membership can't
// surface a second, spurious sources-lost notification once the set expires.
func (e *sourceLossEngine) removeFromSets(handle RemoteSourceHandle, universe uint16, sets *[]*TerminationSet) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := tsKey{handle, universe}
	if _, ok := e.index[key]; !ok {
		return
	}
	delete(e.index, key)

	kept := (*sets)[:0]
	for _, ts := range *sets {
		delete(ts.sources, key)
		if len(ts.sources) > 0 {
			kept = append(kept, ts)
		}
	}
	*sets = kept
}

// markSourcesOffline processes sources that timed out or terminated this
// tick, creating a new TerminationSet for a handle not already tracked or
// updating the existing entry for one that is.
func (e *sourceLossEngine) markSourcesOffline(universe uint16, offline []OfflineSource, unknown []UnknownSource, sets *[]*TerminationSet, waitTime time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, off := range offline {
		key := tsKey{off.Handle, universe}
		if existing, ok := e.index[key]; ok {
			if !existing.offline {
				existing.offline = true
				existing.terminated = off.Terminated
			}
			continue
		}

		ts := &TerminationSet{
			waitDeadline: time.Now().Add(waitTime),
			sources:      make(map[tsKey]*terminationSetSource),
		}
		src := &terminationSetSource{key: key, name: off.Name, offline: true, terminated: off.Terminated}
		ts.sources[key] = src
		e.index[key] = src

		for _, unk := range unknown {
			ukey := tsKey{unk.Handle, universe}
			if _, already := e.index[ukey]; already {
				continue
			}
			usrc := &terminationSetSource{key: ukey, name: unk.Name}
			ts.sources[ukey] = usrc
			e.index[ukey] = usrc
		}

		*sets = append(*sets, ts)
	}
}

// getExpiredSources scans sets in order; a set whose wait timer has fired and
// whose every member is offline is fully expired: every member is emitted
// and the set is deleted. A set with any still-unknown member is held intact
// for a later tick.
func (e *sourceLossEngine) getExpiredSources(sets *[]*TerminationSet) []LostSource {
	e.mu.Lock()
	defer e.mu.Unlock()

	var lost []LostSource
	kept := (*sets)[:0]

	for _, ts := range *sets {
		if time.Now().Before(ts.waitDeadline) {
			kept = append(kept, ts)
			continue
		}

		allOffline := true
		for _, src := range ts.sources {
			if !src.offline {
				allOffline = false
				break
			}
		}

		if !allOffline {
			kept = append(kept, ts)
			continue
		}

		for key, src := range ts.sources {
			lost = append(lost, LostSource{
				Handle:     key.handle,
				Universe:   key.universe,
				Name:       src.name,
				Terminated: src.terminated,
			})
			delete(e.index, key)
		}
	}

	*sets = kept
	return lost
}

// detachReceiver frees every termination set a destroyed receiver still owns
// without emitting any notification.
func (e *sourceLossEngine) detachReceiver(sets []*TerminationSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ts := range sets {
		for key := range ts.sources {
			delete(e.index, key)
		}
	}
}
