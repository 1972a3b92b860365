package service

import (
	"errors"
	"sync"
	"time"

	"fieldsync/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	ErrNoToken      = errors.New("no session token installed")
	ErrTokenExpired = errors.New("session token already expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// Session holds the ERP session token on behalf of the engine. The auth
// collaborator installs refreshed tokens through SetToken; the engine
// asks Valid before dispatching and waits on Refreshed while paused.
//
// The token is not signature-verified here; the backend does that on
// every dispatch. The daemon only reads the exp claim to know when the
// session has gone stale.
type Session struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	refreshed chan struct{}
}

func NewSession() *Session {
	return &Session{
		refreshed: make(chan struct{}, 1),
	}
}

// SetToken installs a refreshed session token and wakes a paused
// engine. Tokens without an exp claim or already past it are rejected.
func (s *Session) SetToken(tokenString string) error {
	parser := jwt.NewParser()
	claims := &jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return ErrTokenInvalid
	}
	if claims.ExpiresAt == nil {
		return ErrTokenInvalid
	}
	if time.Now().After(claims.ExpiresAt.Time) {
		return ErrTokenExpired
	}

	s.mu.Lock()
	s.token = tokenString
	s.expiresAt = claims.ExpiresAt.Time
	s.mu.Unlock()

	logger.Info("session token installed", zap.Time("expires_at", claims.ExpiresAt.Time))

	select {
	case s.refreshed <- struct{}{}:
	default:
	}
	return nil
}

// Token returns the current raw token for the dispatcher's auth header.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Valid reports whether a non-expired session is installed.
func (s *Session) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != "" && time.Now().Before(s.expiresAt)
}

// Refreshed signals each time a new token is installed. The channel is
// buffered so an install while nobody is waiting is not lost.
func (s *Session) Refreshed() <-chan struct{} {
	return s.refreshed
}
