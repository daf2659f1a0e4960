package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"k8s.io/utils/clock"
)

const (
	DefaultTokenTTL = 12 * time.Hour
	BcryptCost      = 12
)

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

type tokenEntry struct {
	UserID    uint
	ExpiresAt time.Time
}

// TokenStore holds opaque API tokens in memory. Tokens do not survive a
// restart.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]tokenEntry
	ttl    time.Duration
	clock  clock.PassiveClock
}

func NewTokenStore(ttl time.Duration) *TokenStore {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenStore{
		tokens: make(map[string]tokenEntry),
		ttl:    ttl,
		clock:  clock.RealClock{},
	}
}

// TTL is how long a new token stays valid.
func (s *TokenStore) TTL() time.Duration { return s.ttl }

func (s *TokenStore) Create(userID uint) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)
	s.mu.Lock()
	s.tokens[token] = tokenEntry{
		UserID:    userID,
		ExpiresAt: s.clock.Now().Add(s.ttl),
	}
	s.mu.Unlock()
	return token, nil
}

func (s *TokenStore) Get(token string) (uint, bool) {
	s.mu.RLock()
	entry, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok || s.clock.Now().After(entry.ExpiresAt) {
		return 0, false
	}
	return entry.UserID, true
}

func (s *TokenStore) Delete(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// Cleanup drops expired tokens and returns how many were removed.
func (s *TokenStore) Cleanup() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, entry := range s.tokens {
		if now.After(entry.ExpiresAt) {
			delete(s.tokens, token)
			n++
		}
	}
	return n
}
