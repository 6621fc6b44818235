package sacn

import "sync"

// remoteSourceEntry is the shared record for one remote source CID, refcounted
// across every receiver, merge receiver, and source detector that references
// its handle.
type remoteSourceEntry struct {
	cid      CID
	handle   RemoteSourceHandle
	refcount int
}

// remoteSourceRegistry is the process-wide bi-map between CIDs and opaque
// 16-bit handles. The source-detector and every receiver share one instance
// and must not race on it, so its own mutex guards every access.
//
// Lookups are plain map access (O(1) average); handle allocation walks
// forward from a cursor so reuse wraps through the 16-bit space instead of
// always taking the lowest free value, matching the C reference's
// round-robin allocator.
type remoteSourceRegistry struct {
	mu        sync.Mutex
	byCID     map[CID]*remoteSourceEntry
	byHandle  map[RemoteSourceHandle]*remoteSourceEntry
	nextGuess RemoteSourceHandle
}

func newRemoteSourceRegistry() *remoteSourceRegistry {
	return &remoteSourceRegistry{
		byCID:    make(map[CID]*remoteSourceEntry),
		byHandle: make(map[RemoteSourceHandle]*remoteSourceEntry),
	}
}

// add returns the handle for cid, allocating one and setting refcount=1 if
// this is the first reference, or incrementing the refcount of an existing
// one. It only fails if the handle space is exhausted (65535 live sources).
func (r *remoteSourceRegistry) add(cid CID) (RemoteSourceHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byCID[cid]; ok {
		e.refcount++
		return e.handle, nil
	}

	if len(r.byHandle) >= int(InvalidRemoteSourceHandle) {
		return InvalidRemoteSourceHandle, newErr("registry.add", ErrNoMemory, nil)
	}

	h := r.nextGuess
	for {
		if h != InvalidRemoteSourceHandle {
			if _, taken := r.byHandle[h]; !taken {
				break
			}
		}
		h++
	}
	r.nextGuess = h + 1

	e := &remoteSourceEntry{cid: cid, handle: h, refcount: 1}
	r.byCID[cid] = e
	r.byHandle[h] = e
	return h, nil
}

// release decrements the refcount for handle; at zero both directions of the
// map are removed and the handle becomes reusable.
func (r *remoteSourceRegistry) release(h RemoteSourceHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byHandle[h]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount <= 0 {
		delete(r.byHandle, h)
		delete(r.byCID, e.cid)
	}
}

func (r *remoteSourceRegistry) cidOf(h RemoteSourceHandle) (CID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byHandle[h]
	if !ok {
		return CID{}, false
	}
	return e.cid, true
}

func (r *remoteSourceRegistry) handleOf(cid CID) (RemoteSourceHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byCID[cid]
	if !ok {
		return 0, false
	}
	return e.handle, true
}

func (r *remoteSourceRegistry) refcountOf(h RemoteSourceHandle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byHandle[h]
	if !ok {
		return 0
	}
	return e.refcount
}
