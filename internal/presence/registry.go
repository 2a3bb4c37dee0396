// Package presence tracks live sessions per channel.
//
// Sessions, channels and the per-user index live in sharded concurrent maps.
// Each session carries its own mutex and each channel (or user) bucket its
// own RWMutex, so operations on different sessions never contend on a shared
// lock.
package presence

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benmeehan/presence-hub/internal/models"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// sessionEntry is the mutable record behind one session id. The id, channel and
// userID never change; session and removed are guarded by mu.
type sessionEntry struct {
	mu      sync.Mutex
	id      string
	channel string
	userID  string
	session models.Session
	removed bool
}

func (e *sessionEntry) snapshot() (models.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return models.Session{}, false
	}
	return e.session.Clone(), true
}

// bucket is an insertion-ordered list of sessions sharing a key. Once closed
// it is empty and about to leave the map; writers must fetch a fresh one.
type bucket struct {
	mu      sync.RWMutex
	entries []*sessionEntry
	closed  atomic.Bool
}

func (b *bucket) size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func (b *bucket) list() []*sessionEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*sessionEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Registry is the read side of presence: rosters and aggregates.
type Registry struct {
	sessions cmap.ConcurrentMap[string, *sessionEntry]
	channels cmap.ConcurrentMap[string, *bucket]
	users    cmap.ConcurrentMap[string, *bucket]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: cmap.New[*sessionEntry](),
		channels: cmap.New[*bucket](),
		users:    cmap.New[*bucket](),
	}
}

// ListSessions returns the channel roster in join order.
func (r *Registry) ListSessions(channel string) []models.Session {
	b, ok := r.channels.Get(channel)
	if !ok {
		return []models.Session{}
	}
	return snapshots(b.list())
}

// SessionCount returns the number of sessions registered in channel.
func (r *Registry) SessionCount(channel string) int {
	b, ok := r.channels.Get(channel)
	if !ok {
		return 0
	}
	return b.size()
}

// ChannelCount returns the number of channels with at least one session.
func (r *Registry) ChannelCount() int {
	n := 0
	for item := range r.channels.IterBuffered() {
		if item.Val.size() > 0 {
			n++
		}
	}
	return n
}

// Channels returns the sorted names of non-empty channels.
func (r *Registry) Channels() []string {
	names := make([]string, 0, r.channels.Count())
	for item := range r.channels.IterBuffered() {
		if item.Val.size() > 0 {
			names = append(names, item.Key)
		}
	}
	sort.Strings(names)
	return names
}

// TotalSessions returns the number of registered sessions across channels.
func (r *Registry) TotalSessions() int {
	return r.sessions.Count()
}

// SessionsForUser returns every registered session of userID across channels,
// in join order.
func (r *Registry) SessionsForUser(userID string) []models.Session {
	b, ok := r.users.Get(userID)
	if !ok {
		return []models.Session{}
	}
	return snapshots(b.list())
}

// Lookup returns a snapshot of a registered session.
func (r *Registry) Lookup(sessionID string) (models.Session, bool) {
	e, ok := r.sessions.Get(sessionID)
	if !ok {
		return models.Session{}, false
	}
	return e.snapshot()
}

func snapshots(entries []*sessionEntry) []models.Session {
	out := make([]models.Session, 0, len(entries))
	for _, e := range entries {
		if s, ok := e.snapshot(); ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) entry(sessionID string) (*sessionEntry, bool) {
	return r.sessions.Get(sessionID)
}

func (r *Registry) each(fn func(e *sessionEntry)) {
	for item := range r.sessions.IterBuffered() {
		fn(item.Val)
	}
}

// insert makes e visible in the channel and user indexes before it becomes
// addressable by id.
func (r *Registry) insert(e *sessionEntry) {
	addToBucket(r.channels, e.channel, e)
	addToBucket(r.users, e.userID, e)
	r.sessions.Set(e.id, e)
}

// detach removes e from every index. Callers mark e removed first so detach
// runs once per entry.
func (r *Registry) detach(e *sessionEntry) {
	r.sessions.RemoveCb(e.id, func(_ string, v *sessionEntry, exists bool) bool {
		return exists && v == e
	})
	removeFromBucket(r.channels, e.channel, e)
	removeFromBucket(r.users, e.userID, e)
}

func addToBucket(m cmap.ConcurrentMap[string, *bucket], key string, e *sessionEntry) {
	for {
		b := m.Upsert(key, nil, func(exist bool, cur, _ *bucket) *bucket {
			if exist && !cur.closed.Load() {
				return cur
			}
			return &bucket{}
		})

		b.mu.Lock()
		if b.closed.Load() {
			b.mu.Unlock()
			continue
		}
		b.entries = append(b.entries, e)
		b.mu.Unlock()
		return
	}
}

func removeFromBucket(m cmap.ConcurrentMap[string, *bucket], key string, e *sessionEntry) {
	b, ok := m.Get(key)
	if !ok {
		return
	}

	b.mu.Lock()
	for i, cur := range b.entries {
		if cur == e {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			break
		}
	}
	empty := len(b.entries) == 0
	if empty {
		b.closed.Store(true)
	}
	b.mu.Unlock()

	if empty {
		m.RemoveCb(key, func(_ string, v *bucket, exists bool) bool {
			return exists && v == b
		})
	}
}
