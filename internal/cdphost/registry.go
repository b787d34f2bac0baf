package cdphost

import (
	"sort"
	"sync"

	"github.com/chromedp/cdproto/target"
)

// pageState is what the host knows about one page target.
type pageState struct {
	info      target.Info
	sessionID target.SessionID
	status    string
	// activatedSeq orders focus reports; zero means never focused.
	activatedSeq uint64
	createdSeq   uint64
}

// registry maps CDP target IDs and session IDs to page state.
type registry struct {
	mu        sync.RWMutex
	pages     map[target.ID]*pageState
	bySession map[target.SessionID]target.ID
	seq       uint64
}

func newRegistry() *registry {
	return &registry{
		pages:     make(map[target.ID]*pageState),
		bySession: make(map[target.SessionID]target.ID),
	}
}

// upsert records info for a page target and reports whether it is new.
func (r *registry) upsert(info target.Info) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pages[info.TargetID]; ok {
		p.info = info
		return false
	}
	r.seq++
	r.pages[info.TargetID] = &pageState{info: info, createdSeq: r.seq}
	return true
}

func (r *registry) setSession(id target.ID, sessionID target.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pages[id]
	if !ok {
		return false
	}
	p.sessionID = sessionID
	r.bySession[sessionID] = id
	return true
}

func (r *registry) clearSession(sessionID target.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.bySession[sessionID]; ok {
		delete(r.bySession, sessionID)
		if p, ok := r.pages[id]; ok && p.sessionID == sessionID {
			p.sessionID = ""
		}
	}
}

func (r *registry) targetForSession(sessionID target.SessionID) (target.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySession[sessionID]
	return id, ok
}

func (r *registry) setStatus(id target.ID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pages[id]; ok {
		p.status = status
	}
}

func (r *registry) setURL(id target.ID, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pages[id]; ok {
		p.info.URL = url
	}
}

// markFocused records id as the most recently focused page.
func (r *registry) markFocused(id target.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pages[id]; ok {
		r.seq++
		p.activatedSeq = r.seq
	}
}

func (r *registry) get(id target.ID) (pageState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pages[id]
	if !ok {
		return pageState{}, false
	}
	return *p, true
}

func (r *registry) remove(id target.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pages[id]; ok {
		delete(r.bySession, p.sessionID)
		delete(r.pages, id)
	}
}

func (r *registry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages = make(map[target.ID]*pageState)
	r.bySession = make(map[target.SessionID]target.ID)
}

// candidates returns attached pages, most recently focused first, then in
// creation order.
func (r *registry) candidates() []pageState {
	r.mu.RLock()
	out := make([]pageState, 0, len(r.pages))
	for _, p := range r.pages {
		if p.sessionID != "" {
			out = append(out, *p)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].activatedSeq != out[j].activatedSeq {
			return out[i].activatedSeq > out[j].activatedSeq
		}
		return out[i].createdSeq < out[j].createdSeq
	})
	return out
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pages)
}
