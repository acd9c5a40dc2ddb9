package session

import (
	"log"
	"sync"
	"time"

	"github.com/lanternchat/lantern/internal/metrics"
)

// Session is the server-side record behind an opaque token (spec section
// 3). CurrentRoom is mutable and nullable: it records which room a
// reconnect should try to restore.
type Session struct {
	Token       string
	Username    string
	Expires     time.Time
	mu          sync.Mutex
	currentRoom string
	hasRoom     bool
}

// CurrentRoom returns the remembered room name and whether one is set.
func (s *Session) CurrentRoom() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRoom, s.hasRoom
}

// SetCurrentRoom records the room the session is attached to.
func (s *Session) SetCurrentRoom(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentRoom = name
	s.hasRoom = true
}

// ClearCurrentRoom forgets the remembered room, e.g. after LEAVE_ROOM or
// when a reconnect discovers the room no longer exists.
func (s *Session) ClearCurrentRoom() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentRoom = ""
	s.hasRoom = false
}

func (s *Session) expired(now time.Time) bool {
	return now.After(s.Expires)
}

// Registry maps opaque tokens to Sessions with TTL expiry, grounded on the
// teacher's auth/token scheme for the token shape and on hub.go's
// goroutine-owned-map idiom for the sweeper, simplified to a
// single-writer/multi-reader mutex per spec section 5 (no channel
// serialization is required for a flat map).
type Registry struct {
	codec *tokenCodec

	mu       sync.RWMutex
	sessions map[[idLength]byte]*Session

	stop chan struct{}
	done chan struct{}
}

// NewRegistry constructs a Registry and starts its background sweeper,
// which wakes every sweepInterval (spec section 4.2 names ~60s) and removes
// expired sessions.
func NewRegistry(hmacKey []byte, serial uint16, sweepInterval time.Duration) *Registry {
	r := &Registry{
		codec:    newTokenCodec(hmacKey, serial),
		sessions: make(map[[idLength]byte]*Session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.sweep(sweepInterval)
	return r
}

// Create mints a new session for user with the given TTL.
func (r *Registry) Create(username string, ttl time.Duration) (*Session, error) {
	expires := time.Now().Add(ttl).UTC()
	token, id, err := r.codec.generate(expires)
	if err != nil {
		return nil, err
	}

	s := &Session{Token: token, Username: username, Expires: expires}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	metrics.SessionsActive.Inc()

	return s, nil
}

// Get returns the session for token, or (nil, false) if the token is
// malformed, forged, or the session has expired or was removed. Lookup
// does not refresh the TTL (no sliding window, per spec section 4.2).
func (r *Registry) Get(token string) (*Session, bool) {
	id, expires, err := r.codec.parse(token)
	if err != nil {
		return nil, false
	}

	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.Token != token || s.expired(time.Now()) {
		return nil, false
	}
	_ = expires // the registry's own copy is authoritative, the token's is advisory
	return s, true
}

// Remove deletes a session immediately (explicit LOGOUT, per spec section
// 4.7's hard-cleanup path).
func (r *Registry) Remove(token string) {
	id, _, err := r.codec.parse(token)
	if err != nil {
		return
	}
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		metrics.SessionsActive.Dec()
	}
}

func (r *Registry) sweep(interval time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepOnce(time.Now())
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) sweepOnce(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		if s.expired(now) {
			delete(r.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.SessionsActive.Sub(float64(removed))
		log.Printf("session: sweeper removed %d expired session(s)", removed)
	}
	return removed
}

// Shutdown stops the sweeper goroutine and waits for it to exit,
// cooperatively cancellable per spec section 5.
func (r *Registry) Shutdown() {
	close(r.stop)
	<-r.done
}
