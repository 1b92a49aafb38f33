package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// csrfTokenEntry stores token metadata
type csrfTokenEntry struct {
	sessionID string
	expiry    time.Time
}

// CSRFTokenManager issues CSRF tokens bound to a server-side session. The
// login form fetches one and posts it back; a token minted for one session
// never validates for another.
type CSRFTokenManager struct {
	validTokens map[string]*csrfTokenEntry
	mu          sync.RWMutex
	tokenTTL    time.Duration
}

// NewCSRFTokenManager creates a new CSRF token manager
func NewCSRFTokenManager() *CSRFTokenManager {
	manager := &CSRFTokenManager{
		validTokens: make(map[string]*csrfTokenEntry),
		tokenTTL:    15 * time.Minute,
	}

	go manager.cleanupExpiredTokens()

	return manager
}

// GenerateToken creates a new CSRF token for a session
func (m *CSRFTokenManager) GenerateToken(sessionID string) (string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(randomBytes)

	m.mu.Lock()
	m.validTokens[token] = &csrfTokenEntry{
		sessionID: sessionID,
		expiry:    time.Now().Add(m.tokenTTL),
	}
	m.mu.Unlock()

	return token, nil
}

// ValidateToken checks that the token exists, has not expired, and was
// minted for the given session
func (m *CSRFTokenManager) ValidateToken(token, sessionID string) bool {
	m.mu.RLock()
	entry, exists := m.validTokens[token]
	m.mu.RUnlock()

	if !exists || entry.sessionID != sessionID || sessionID == "" {
		return false
	}

	if time.Now().After(entry.expiry) {
		m.RevokeToken(token)
		return false
	}
	return true
}

// RevokeToken invalidates a CSRF token
func (m *CSRFTokenManager) RevokeToken(token string) {
	m.mu.Lock()
	delete(m.validTokens, token)
	m.mu.Unlock()
}

// cleanupExpiredTokens periodically removes expired tokens
func (m *CSRFTokenManager) cleanupExpiredTokens() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		now := time.Now()
		for token, entry := range m.validTokens {
			if now.After(entry.expiry) {
				delete(m.validTokens, token)
			}
		}
		m.mu.Unlock()
	}
}
