// Package registry maps live session ids to sessions.
package registry

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/danmuck/battlegrounds/internal/protocol/session"
)

var ErrExhausted = errors.New("registry: no free session id")

// Registry is a non-owning id index. It never mutates sessions; closing a
// session is the caller's job.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint32]*session.Session
	next     atomic.Uint32
}

func New() *Registry {
	return &Registry{sessions: make(map[uint32]*session.Session)}
}

// Register assigns the next free non-zero id to s.
func (r *Registry) Register(s *session.Session) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Bounded so a full id space fails instead of spinning.
	for i := 0; i < len(r.sessions)+2; i++ {
		id := r.next.Add(1)
		if id == 0 {
			continue
		}
		if _, taken := r.sessions[id]; taken {
			continue
		}
		r.sessions[id] = s
		return id, nil
	}
	return 0, ErrExhausted
}

// Unregister removes id only while it still maps to s.
func (r *Registry) Unregister(id uint32, s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && (s == nil || cur == s) {
		delete(r.sessions, id)
	}
}

func (r *Registry) Lookup(id uint32) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns the registered sessions ordered by id.
func (r *Registry) Sessions() []*session.Session {
	r.mu.RLock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Range calls fn for each registered session until fn returns false. fn runs
// without the registry lock held.
func (r *Registry) Range(fn func(id uint32, s *session.Session) bool) {
	r.mu.RLock()
	ids := make([]uint32, 0, len(r.sessions))
	items := make([]*session.Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		ids = append(ids, id)
		items = append(items, s)
	}
	r.mu.RUnlock()
	for i := range ids {
		if !fn(ids[i], items[i]) {
			return
		}
	}
}

// Snapshots returns admin views of every registered session.
func (r *Registry) Snapshots() []session.Snapshot {
	sessions := r.Sessions()
	out := make([]session.Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}
