// Package token issues and validates the bearer tokens the rest of the
// backend hands out at login. Tokens are JWTs carrying their own creation
// time and validity window; a token is live only while it is present in the
// service's in-memory table, so revocation is an eviction.
package token

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Prefix marks every token this service mints, matching the client's
// expectation for the authorization scheme.
const Prefix = "eg1~"

var (
	ErrUnknownToken = errors.New("token not found")
	ErrExpiredToken = errors.New("token expired")
)

// Claims is the JWT payload. Expiry is carried redundantly: the standard exp
// claim plus the creation_date/hours_expire pair the game client and the
// presence server check independently.
type Claims struct {
	jwt.RegisteredClaims

	App            string    `json:"app,omitempty"`
	ClientID       string    `json:"clid,omitempty"`
	ClientService  string    `json:"clsvc,omitempty"`
	DeviceID       string    `json:"dvid,omitempty"`
	DisplayName    string    `json:"dn,omitempty"`
	AuthMethod     string    `json:"am,omitempty"`
	TokenType      string    `json:"t,omitempty"`
	InternalClient bool      `json:"ic,omitempty"`
	Nonce          string    `json:"p,omitempty"`
	CreationDate   time.Time `json:"creation_date"`
	HoursExpire    int       `json:"hours_expire"`
}

// Service mints and validates tokens. All three tables are in-memory; a
// restart invalidates every outstanding token by design.
type Service struct {
	secret []byte

	mu      sync.Mutex
	access  map[string]string // token -> accountID
	refresh map[string]string // token -> accountID
	client  map[string]string // token -> client IP
}

// NewService creates a token service signing with the given secret.
func NewService(secret string) *Service {
	return &Service{
		secret:  []byte(secret),
		access:  make(map[string]string),
		refresh: make(map[string]string),
		client:  make(map[string]string),
	}
}

func (s *Service) sign(claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return Prefix + signed, nil
}

func baseClaims(hours int) Claims {
	now := time.Now()
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(hours) * time.Hour)),
		},
		InternalClient: true,
		ClientService:  "fortnite",
		Nonce:          base64.StdEncoding.EncodeToString([]byte(uuid.NewString())),
		CreationDate:   now,
		HoursExpire:    hours,
	}
}

// CreateAccess mints an access token bound to an account.
func (s *Service) CreateAccess(accountID, displayName, clientID, grantType, deviceID string, hours int) (string, error) {
	claims := baseClaims(hours)
	claims.Subject = accountID
	claims.App = "fortnite"
	claims.ClientID = clientID
	claims.DeviceID = deviceID
	claims.DisplayName = displayName
	claims.AuthMethod = grantType
	claims.TokenType = "s"

	signed, err := s.sign(claims)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.access[signed] = accountID
	s.mu.Unlock()
	return signed, nil
}

// CreateRefresh mints a refresh token bound to an account.
func (s *Service) CreateRefresh(accountID, clientID, grantType, deviceID string, hours int) (string, error) {
	claims := baseClaims(hours)
	claims.Subject = accountID
	claims.ClientID = clientID
	claims.DeviceID = deviceID
	claims.AuthMethod = grantType
	claims.TokenType = "r"

	signed, err := s.sign(claims)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.refresh[signed] = accountID
	s.mu.Unlock()
	return signed, nil
}

// CreateClient mints an account-less client credentials token.
func (s *Service) CreateClient(clientID, grantType, ip string, hours int) (string, error) {
	claims := baseClaims(hours)
	claims.ClientID = clientID
	claims.AuthMethod = grantType
	claims.TokenType = "s"

	signed, err := s.sign(claims)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.client[signed] = ip
	s.mu.Unlock()
	return signed, nil
}

// Validate resolves an access token to its account id. The token must be in
// the live table, carry a valid signature, and still be inside its embedded
// creation_date/hours_expire window; an expired token is pruned from the
// table as a side effect.
func (s *Service) Validate(tokenStr string) (string, error) {
	s.mu.Lock()
	accountID, ok := s.access[tokenStr]
	s.mu.Unlock()
	if !ok {
		return "", ErrUnknownToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(strings.TrimPrefix(tokenStr, Prefix), claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		s.Revoke(tokenStr)
		return "", fmt.Errorf("invalid token: %w", err)
	}

	expires := claims.CreationDate.Add(time.Duration(claims.HoursExpire) * time.Hour)
	if !expires.After(time.Now()) {
		s.Revoke(tokenStr)
		return "", ErrExpiredToken
	}

	return accountID, nil
}

// Revoke evicts a token from every table.
func (s *Service) Revoke(tokenStr string) {
	s.mu.Lock()
	delete(s.access, tokenStr)
	delete(s.refresh, tokenStr)
	delete(s.client, tokenStr)
	s.mu.Unlock()
}

// RevokeAccount evicts every access and refresh token owned by an account.
func (s *Service) RevokeAccount(accountID string) {
	s.mu.Lock()
	for tok, owner := range s.access {
		if owner == accountID {
			delete(s.access, tok)
		}
	}
	for tok, owner := range s.refresh {
		if owner == accountID {
			delete(s.refresh, tok)
		}
	}
	s.mu.Unlock()
}
