package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// TokenManager issues and validates short-lived admin session tokens. Tokens
// are stored bcrypt-hashed; the plaintext exists only in the issue response.
type TokenManager struct {
	tokens map[string]*TokenInfo
	mu     sync.RWMutex
}

// TokenInfo contains token metadata
type TokenInfo struct {
	Hash      string
	Subject   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewTokenManager creates a new token manager
func NewTokenManager() *TokenManager {
	return &TokenManager{
		tokens: make(map[string]*TokenInfo),
	}
}

// GenerateToken issues a token for the subject, valid for the duration.
func (tm *TokenManager) GenerateToken(subject string, duration time.Duration) (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	token := base64.URLEncoding.EncodeToString(tokenBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.tokens[subject] = &TokenInfo{
		Hash:      string(hash),
		Subject:   subject,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(duration),
	}

	return token, nil
}

// ValidateToken validates a token for the subject.
func (tm *TokenManager) ValidateToken(subject, token string) error {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	info, ok := tm.tokens[subject]
	if !ok {
		return ErrInvalidToken
	}

	if time.Now().After(info.ExpiresAt) {
		return ErrTokenExpired
	}

	if err := bcrypt.CompareHashAndPassword([]byte(info.Hash), []byte(token)); err != nil {
		return ErrInvalidToken
	}

	return nil
}

// RevokeToken revokes the subject's token.
func (tm *TokenManager) RevokeToken(subject string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	delete(tm.tokens, subject)
}

// CleanupExpiredTokens removes expired tokens
func (tm *TokenManager) CleanupExpiredTokens() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for subject, info := range tm.tokens {
		if now.After(info.ExpiresAt) {
			delete(tm.tokens, subject)
		}
	}
}

// APIKeyManager manages static API keys for the admin surface.
type APIKeyManager struct {
	keys map[string]string // key -> description
	mu   sync.RWMutex
}

// NewAPIKeyManager creates a new API key manager
func NewAPIKeyManager() *APIKeyManager {
	return &APIKeyManager{
		keys: make(map[string]string),
	}
}

// AddKey registers a pre-shared API key, e.g. from configuration.
func (akm *APIKeyManager) AddKey(apiKey, description string) {
	akm.mu.Lock()
	defer akm.mu.Unlock()

	akm.keys[apiKey] = description
}

// GenerateAPIKey generates and registers a new API key
func (akm *APIKeyManager) GenerateAPIKey(description string) (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}

	apiKey := base64.URLEncoding.EncodeToString(keyBytes)

	akm.mu.Lock()
	defer akm.mu.Unlock()

	akm.keys[apiKey] = description
	return apiKey, nil
}

// ValidateAPIKey validates an API key in constant time per candidate.
func (akm *APIKeyManager) ValidateAPIKey(apiKey string) bool {
	akm.mu.RLock()
	defer akm.mu.RUnlock()

	for key := range akm.keys {
		if SecureCompare(key, apiKey) {
			return true
		}
	}
	return false
}

// RevokeAPIKey revokes an API key
func (akm *APIKeyManager) RevokeAPIKey(apiKey string) {
	akm.mu.Lock()
	defer akm.mu.Unlock()

	delete(akm.keys, apiKey)
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Middleware rejects requests that do not carry a valid API key, either as
// "Authorization: Bearer <key>" or in the X-API-Key header.
func (akm *APIKeyManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			authz := r.Header.Get("Authorization")
			if strings.HasPrefix(authz, "Bearer ") {
				key = strings.TrimPrefix(authz, "Bearer ")
			}
		}
		if key == "" || !akm.ValidateAPIKey(key) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
