package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/YutoMise/call-system/internal/models"
)

// SessionStore defines the persistence contract for session tokens.
type SessionStore interface {
	Save(token string, scope models.SessionScope, createdAt, expiresAt time.Time) error
	Get(token string) (SessionRecord, bool, error)
	Delete(token string) error
	PurgeExpired(now time.Time) error
	Count() (int, error)
}

// SessionRecord captures a session row retrieved from the backing store.
type SessionRecord struct {
	Token     string
	Scope     models.SessionScope
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ErrSessionCapacity is returned when the store is full and purging expired
// sessions did not free a slot.
var ErrSessionCapacity = errors.New("auth: session capacity reached")

// SessionOption configures a SessionManager instance.
type SessionOption func(*SessionManager)

// WithStore injects a custom SessionStore implementation.
func WithStore(store SessionStore) SessionOption {
	return func(m *SessionManager) {
		m.store = store
	}
}

// WithIdleTimeout sets the sliding window a session stays valid without
// activity. Each successful validation pushes the deadline forward.
func WithIdleTimeout(timeout time.Duration) SessionOption {
	return func(m *SessionManager) {
		if timeout > 0 {
			m.idleTimeout = timeout
		}
	}
}

// WithCapacity caps how many live sessions the store may hold.
func WithCapacity(capacity int) SessionOption {
	return func(m *SessionManager) {
		if capacity > 0 {
			m.capacity = capacity
		}
	}
}

// WithTokenLength sets the random byte length of newly issued tokens.
func WithTokenLength(length int) SessionOption {
	return func(m *SessionManager) {
		if length > 0 {
			m.tokenLength = length
		}
	}
}

// SessionManager coordinates session creation, sliding expiry, and capacity
// enforcement against a backing store. The mutex serializes the
// read-modify-write sequences (capacity check before Save, expiry refresh
// after Get) so a Revoke cannot interleave with a refresh.
type SessionManager struct {
	mu           sync.Mutex
	store        SessionStore
	idleTimeout  time.Duration
	capacity     int
	tokenLength  int
	tokenFactory func(int) (string, error)
	now          func() time.Time
}

// NewSessionManager constructs a SessionManager. Without options it uses an
// in-memory store, a one hour sliding timeout, and room for 1000 sessions.
func NewSessionManager(opts ...SessionOption) *SessionManager {
	manager := &SessionManager{
		idleTimeout:  time.Hour,
		capacity:     1000,
		tokenLength:  32,
		tokenFactory: generateToken,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.store == nil {
		manager.store = NewMemorySessionStore()
	}
	return manager
}

// Create issues a new session token for the provided scope. When the store is
// at capacity it purges expired sessions once and retries before giving up.
func (m *SessionManager) Create(scope models.SessionScope) (string, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureCapacity(); err != nil {
		return "", time.Time{}, err
	}
	token, err := m.tokenFactory(m.tokenLength)
	if err != nil {
		return "", time.Time{}, err
	}
	now := m.now()
	expiresAt := now.Add(m.idleTimeout)
	if err := m.store.Save(token, scope, now.UTC(), expiresAt.UTC()); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func (m *SessionManager) ensureCapacity() error {
	count, err := m.store.Count()
	if err != nil {
		return err
	}
	if count < m.capacity {
		return nil
	}
	if err := m.store.PurgeExpired(m.now()); err != nil {
		return err
	}
	count, err = m.store.Count()
	if err != nil {
		return err
	}
	if count >= m.capacity {
		return ErrSessionCapacity
	}
	return nil
}

// Validate checks the token and, when the session is live, slides its expiry
// forward by the idle timeout. Expired tokens are deleted on sight.
func (m *SessionManager) Validate(token string) (models.SessionScope, bool, error) {
	if token == "" {
		return models.SessionScope{}, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok, err := m.store.Get(token)
	if err != nil {
		return models.SessionScope{}, false, err
	}
	if !ok {
		return models.SessionScope{}, false, nil
	}
	now := m.now()
	if now.After(record.ExpiresAt) {
		_ = m.store.Delete(token)
		return models.SessionScope{}, false, nil
	}
	refreshed := now.Add(m.idleTimeout)
	if refreshed.After(record.ExpiresAt) {
		if err := m.store.Save(record.Token, record.Scope, record.CreatedAt, refreshed.UTC()); err != nil {
			return models.SessionScope{}, false, err
		}
	}
	return record.Scope, true, nil
}

// Revoke deletes the session token. Revoking an unknown token is a no-op.
func (m *SessionManager) Revoke(token string) error {
	if token == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Delete(token)
}

// PurgeExpired removes any expired sessions from the backing store.
func (m *SessionManager) PurgeExpired() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.PurgeExpired(m.now())
}

// Count reports how many sessions the backing store currently holds.
func (m *SessionManager) Count() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Count()
}

// Ping verifies the underlying store is reachable when it exposes a ping
// method.
func (m *SessionManager) Ping(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if pinger, ok := m.store.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
