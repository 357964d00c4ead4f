package session

import (
	"sort"
	"sync"

	"github.com/go-logr/logr"
)

// Registry maps session ids to live Sessions. Operations on different ids
// never block one another.
type Registry struct {
	sessions sync.Map // map[string]*Session
	cfg      Config
	log      logr.Logger
}

// NewRegistry returns an empty registry. cfg is the template for every
// Session it creates; its OnClosed hook is chained after deregistration.
func NewRegistry(cfg Config) *Registry {
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Registry{
		cfg: cfg,
		log: log.WithName("registry"),
	}
}

// GetOrCreate returns the live Session registered under id and false, or
// registers a new Session owning client and returns it with true. A closing or
// closed entry is replaced. When a live Session is returned, client is left
// untouched and still belongs to the caller.
func (r *Registry) GetOrCreate(id string, client ClientConn) (*Session, bool) {
	var fresh *Session
	for {
		if existing, loaded := r.sessions.Load(id); loaded {
			current := existing.(*Session)
			if current.live() {
				return current, false
			}
			if fresh == nil {
				fresh = r.newSession(id, client)
			}
			if r.sessions.CompareAndSwap(id, current, fresh) {
				r.log.V(1).Info("Replaced stale session", "sessionID", id, "staleState", current.State().String())
				return fresh, true
			}
			continue
		}

		if fresh == nil {
			fresh = r.newSession(id, client)
		}
		if _, loaded := r.sessions.LoadOrStore(id, fresh); !loaded {
			r.log.V(1).Info("Registered session", "sessionID", id)
			return fresh, true
		}
	}
}

func (r *Registry) newSession(id string, client ClientConn) *Session {
	cfg := r.cfg
	hook := r.cfg.OnClosed
	cfg.OnClosed = func(s *Session) {
		r.Remove(s)
		if hook != nil {
			hook(s)
		}
	}
	return New(id, client, cfg)
}

// Remove deregisters s without closing it, only if its id still maps to that
// same Session, so a late teardown never drops a replacement. Every Session the
// registry creates calls it during cleanup. It reports whether s was removed.
func (r *Registry) Remove(s *Session) bool {
	if !r.sessions.CompareAndDelete(s.ID(), s) {
		return false
	}
	r.log.V(1).Info("Deregistered session", "sessionID", s.ID())
	return true
}

// Get returns the Session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	if val, ok := r.sessions.Load(id); ok {
		return val.(*Session), true
	}
	return nil, false
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	count := 0
	r.sessions.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// List returns a snapshot of the registered sessions ordered by id.
func (r *Registry) List() []*Session {
	var sessions []*Session
	r.sessions.Range(func(_, value any) bool {
		sessions = append(sessions, value.(*Session))
		return true
	})
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ID() < sessions[j].ID()
	})
	return sessions
}

// CloseAll closes every registered session and returns once their cleanup is done.
func (r *Registry) CloseAll() {
	sessions := r.List()
	if len(sessions) > 0 {
		r.log.Info("Closing all sessions", "count", len(sessions))
	}
	for _, s := range sessions {
		s.Close()
	}
	// A session may already have been closing on another goroutine.
	for _, s := range sessions {
		<-s.Done()
	}
}
