package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// TokenManager issues per-job bearer tokens handed to worker containers
// at launch. A container presents its token with every status callback.
type TokenManager struct {
	tokens map[string]*TokenInfo
	mu     sync.RWMutex
}

// TokenInfo contains token metadata
type TokenInfo struct {
	Hash      string
	JobID     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewTokenManager creates a new token manager
func NewTokenManager() *TokenManager {
	return &TokenManager{
		tokens: make(map[string]*TokenInfo),
	}
}

// GenerateToken generates a new callback token for a job
func (tm *TokenManager) GenerateToken(jobID string, duration time.Duration) (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	token := base64.URLEncoding.EncodeToString(tokenBytes)

	// Only the hash is stored
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.tokens[jobID] = &TokenInfo{
		Hash:      string(hash),
		JobID:     jobID,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(duration),
	}

	return token, nil
}

// ValidateToken validates a callback token for a job
func (tm *TokenManager) ValidateToken(jobID, token string) error {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	tokenInfo, ok := tm.tokens[jobID]
	if !ok {
		return ErrInvalidToken
	}

	if time.Now().After(tokenInfo.ExpiresAt) {
		return ErrTokenExpired
	}

	if err := bcrypt.CompareHashAndPassword([]byte(tokenInfo.Hash), []byte(token)); err != nil {
		return ErrInvalidToken
	}

	return nil
}

// RevokeToken revokes the token for a job
func (tm *TokenManager) RevokeToken(jobID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	delete(tm.tokens, jobID)
}

// CleanupExpiredTokens removes expired tokens
func (tm *TokenManager) CleanupExpiredTokens() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for jobID, tokenInfo := range tm.tokens {
		if now.After(tokenInfo.ExpiresAt) {
			delete(tm.tokens, jobID)
		}
	}
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
