// Package session keeps the driver's open sessions and their reference
// counts. A session found through the manager stays alive until its
// reference is released, even when it is closed in the meantime; its
// secrets are wiped when the last reference goes.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gitee2github/itrustee-tzdriver/auth"
	"github.com/gitee2github/itrustee-tzdriver/smc"
)

var (
	// ErrExists is returned when registering a session id twice.
	ErrExists = errors.New("session already registered")
	// ErrNotFound is returned for unknown sessions.
	ErrNotFound = errors.New("session not found")
)

// Key identifies a session.
type Key struct {
	DevFileID uint32
	SessionID uint32
	UUID      [smc.UUIDLen]byte
}

func keyOf(devFileID uint32, cmd *smc.Command) Key {
	return Key{DevFileID: devFileID, SessionID: cmd.ContextID, UUID: cmd.UUID}
}

// Session is one client session with a trusted application.
type Session struct {
	key     Key
	refs    int
	closed  bool
	secure  auth.SecureInfo
	token   [auth.TokenLen]byte
	manager *Manager
}

// SecureInfo implements auth.Session.
func (s *Session) SecureInfo() *auth.SecureInfo { return &s.secure }

// Token implements auth.Session.
func (s *Session) Token() []byte { return s.token[:] }

// Key returns the session's identity. SessionID is zero until the TEE
// assigned one.
func (s *Session) Key() Key { return s.key }

func (s *Session) wipe() {
	s.secure.Wipe()
	for i := range s.token {
		s.token[i] = 0
	}
}

// Manager is a thread-safe registry of sessions.
type Manager struct {
	sessions map[Key]*Session
	mu       sync.Mutex
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[Key]*Session)}
}

// Create returns a new, unregistered session owned by the caller. The
// caller's reference is dropped by Close or Discard.
func (m *Manager) Create(devFileID uint32, uuid [smc.UUIDLen]byte) *Session {
	return &Session{
		key:     Key{DevFileID: devFileID, UUID: uuid},
		refs:    1,
		manager: m,
	}
}

// Register makes a session findable under the id the TEE assigned.
func (m *Manager) Register(s *Session, sessionID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := s.key
	key.SessionID = sessionID
	if _, ok := m.sessions[key]; ok {
		return fmt.Errorf("%w: %d", ErrExists, sessionID)
	}
	s.key = key
	m.sessions[key] = s

	log.Debug().Uint32("dev_file_id", key.DevFileID).Uint32("session_id", sessionID).Msg("Session registered")
	return nil
}

// Discard drops an unregistered session, for example after a failed open.
func (m *Manager) Discard(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.closed = true
	m.releaseLocked(s)
}

// Find implements auth.Sessions. A found session must be released.
func (m *Manager) Find(devFileID uint32, cmd *smc.Command) (auth.Session, bool) {
	if cmd == nil {
		return nil, false
	}
	s, ok := m.Get(keyOf(devFileID, cmd))
	if !ok {
		return nil, false
	}
	return s, true
}

// Get returns a registered session and takes a reference on it.
func (m *Manager) Get(key Key) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return nil, false
	}
	s.refs++
	return s, true
}

// Release implements auth.Sessions.
func (m *Manager) Release(as auth.Session) {
	s, ok := as.(*Session)
	if !ok || s == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(s)
}

func (m *Manager) releaseLocked(s *Session) {
	if s.refs <= 0 {
		log.Error().Uint32("session_id", s.key.SessionID).Msg("Session released more often than acquired")
		return
	}
	s.refs--
	if s.refs == 0 && s.closed {
		s.wipe()
	}
}

// Close unregisters a session and drops the owner's reference. Its secrets
// are wiped once every outstanding reference is released.
func (m *Manager) Close(key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return ErrNotFound
	}
	delete(m.sessions, key)
	s.closed = true
	m.releaseLocked(s)

	log.Debug().Uint32("dev_file_id", key.DevFileID).Uint32("session_id", key.SessionID).Msg("Session closed")
	return nil
}

// CloseDevice closes every session of a device file.
func (m *Manager) CloseDevice(devFileID uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, s := range m.sessions {
		if key.DevFileID != devFileID {
			continue
		}
		delete(m.sessions, key)
		s.closed = true
		m.releaseLocked(s)
		n++
	}
	return n
}

// Len returns the number of registered sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
