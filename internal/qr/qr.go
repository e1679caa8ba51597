// Package qr holds short-lived pairing sessions used by the mobile
// onboarding flow.
package qr

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

const sessionTTL = 300 * time.Second

var (
	ErrNotFound  = errors.New("qr session not found or expired")
	ErrForbidden = errors.New("qr session belongs to another tenant")
)

type session struct {
	owner   string
	scanned bool
	payload json.RawMessage
}

// Sessions is the in-memory QR pairing session table. Entries expire
// after five minutes; completed sessions are consumed on first read.
type Sessions struct {
	mu       sync.Mutex
	cache    *ttlcache.Cache[string, *session]
	stopOnce sync.Once
}

func NewSessions() *Sessions {
	c := ttlcache.New[string, *session](
		ttlcache.WithTTL[string, *session](sessionTTL),
		ttlcache.WithDisableTouchOnHit[string, *session](),
	)
	go c.Start()
	return &Sessions{cache: c}
}

func (s *Sessions) Stop() { s.stopOnce.Do(s.cache.Stop) }

// Start opens a new pairing session for the tenant and returns its id.
func (s *Sessions) Start(owner string) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.cache.Set(id, &session{owner: owner}, ttlcache.DefaultTTL)
	s.mu.Unlock()
	return id
}

// Scan attaches the scanned payload to a pending session. The scan
// endpoint is unauthenticated: the session id is the shared secret.
func (s *Sessions) Scan(id string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.cache.Get(id)
	if item == nil {
		return ErrNotFound
	}
	sess := item.Value()
	sess.scanned = true
	sess.payload = payload
	return nil
}

// Status reports whether the session completed. A completed session is
// consumed: the second status call sees it gone.
func (s *Sessions) Status(owner, id string) (completed bool, payload json.RawMessage, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.cache.Get(id)
	if item == nil {
		return false, nil, ErrNotFound
	}
	sess := item.Value()
	if sess.owner != owner {
		return false, nil, ErrForbidden
	}
	if !sess.scanned {
		return false, nil, nil
	}
	s.cache.Delete(id)
	return true, sess.payload, nil
}
