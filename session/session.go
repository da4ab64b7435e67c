// Package session implements the fieldsync.Auth capability on top of signed
// JWT session tokens.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// Issuer is stamped into tokens created by IssueToken
const Issuer = "go-fieldsync"

// Claims carries the promoter identity. The promoter ID goes in the standard
// "sub" claim, the route in "rid".
type Claims struct {
	RouteID string `json:"rid"`
	jwt.RegisteredClaims
}

// Session holds the signed-in promoter, if any, and notifies listeners when
// that changes.
type Session struct {
	secret []byte
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	token     string
	claims    *Claims
	listeners map[int]func(fieldsync.User, bool)
	nextID    int
}

// New creates a signed-out session verifying tokens with secret. A nil clock
// uses the system clock.
func New(secret string, clk clock.Clock, logger *slog.Logger) *Session {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		secret:    []byte(secret),
		clock:     clk,
		logger:    logger,
		listeners: make(map[int]func(fieldsync.User, bool)),
	}
}

// IssueToken signs a token for a promoter working a route
func (s *Session) IssueToken(userID, routeID string, ttl time.Duration) (string, error) {
	now := s.clock.Now()
	claims := &Claims{
		RouteID: routeID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken verifies signature and time claims against the session clock
func (s *Session) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clock.Now))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (promoter ID) in token")
	}
	if claims.RouteID == "" {
		return nil, fmt.Errorf("missing rid (route ID) in token")
	}
	return claims, nil
}

// SignIn validates token and makes it the current session
func (s *Session) SignIn(token string) (fieldsync.User, error) {
	claims, err := s.ValidateToken(token)
	if err != nil {
		s.logger.Warn("sign-in rejected", "error", err)
		return fieldsync.User{}, fmt.Errorf("%w: %v", fieldsync.ErrUnauthenticated, err)
	}
	user := userOf(claims)

	s.mu.Lock()
	s.token = token
	s.claims = claims
	fns := s.listenersLocked()
	s.mu.Unlock()

	s.logger.Info("signed in", "user_id", user.ID, "route_id", user.RouteID)
	for _, fn := range fns {
		fn(user, true)
	}
	return user, nil
}

// SignOut clears the session. Signing out twice notifies once.
func (s *Session) SignOut() {
	s.mu.Lock()
	if s.claims == nil {
		s.mu.Unlock()
		return
	}
	user := userOf(s.claims)
	s.token = ""
	s.claims = nil
	fns := s.listenersLocked()
	s.mu.Unlock()

	s.logger.Info("signed out", "user_id", user.ID)
	for _, fn := range fns {
		fn(user, false)
	}
}

// Token returns the raw token of a live session
func (s *Session) Token() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.liveLocked() {
		return "", false
	}
	return s.token, true
}

// IsAuthenticated reports whether a session exists and has not expired
func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked()
}

func (s *Session) CurrentUser() (fieldsync.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.liveLocked() {
		return fieldsync.User{}, false
	}
	return userOf(s.claims), true
}

// OnSessionChange registers fn for sign-in and sign-out events. Listeners run
// on the caller's goroutine, outside the session lock.
func (s *Session) OnSessionChange(fn func(fieldsync.User, bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Session) liveLocked() bool {
	if s.claims == nil {
		return false
	}
	if exp := s.claims.ExpiresAt; exp != nil && !s.clock.Now().Before(exp.Time) {
		return false
	}
	return true
}

func (s *Session) listenersLocked() []func(fieldsync.User, bool) {
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids) // registration order
	fns := make([]func(fieldsync.User, bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	return fns
}

func userOf(c *Claims) fieldsync.User {
	return fieldsync.User{ID: c.Subject, RouteID: c.RouteID}
}
