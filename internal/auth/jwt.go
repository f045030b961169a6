// Package auth issues and validates the bearer tokens that identify ledger
// participants.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/onnwee/custodyledger/internal/unit"
)

// TokenTypeAccess is the only token type accepted by the API.
const TokenTypeAccess = "access"

// Issuer is stamped into every token and required on validation.
const Issuer = "custodyledger"

// AccessTokenExpiry is the lifetime of issued access tokens.
const AccessTokenExpiry = 1 * time.Hour

// Default leeway for token validation.
const DefaultLeeway = 30 * time.Second

// ErrInvalidToken is returned when token validation fails.
var ErrInvalidToken = errors.New("invalid token")

// ErrExpiredToken is returned when the token has expired.
var ErrExpiredToken = errors.New("token has expired")

// ErrEmptySubject is returned when a principal has no ID.
var ErrEmptySubject = errors.New("principal ID cannot be empty")

// ErrInvalidRole is returned when a token carries an unknown role.
var ErrInvalidRole = errors.New("unknown participant role")

// Claims are the JWT claims identifying a participant. The subject is the
// participant ID.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
	Org  string `json:"org,omitempty"`
	Type string `json:"typ"`
}

// Principal converts the claims into a ledger principal.
func (c *Claims) Principal() (unit.Principal, error) {
	if c.Subject == "" {
		return unit.Principal{}, ErrEmptySubject
	}
	role := unit.Role(c.Role)
	if !role.Valid() {
		return unit.Principal{}, ErrInvalidRole
	}
	return unit.Principal{ID: c.Subject, Role: role, OrgName: c.Org}, nil
}

// JWTService handles JWT token operations.
// Supports dual-key rotation: tokens are signed with currentSecret,
// but can be validated with either currentSecret or previousSecret.
type JWTService struct {
	currentSecret  []byte
	previousSecret []byte
	leeway         time.Duration
	now            func() time.Time
}

// NewJWTService creates a service with a single secret.
func NewJWTService(secret string) *JWTService {
	return NewJWTServiceWithRotation(secret, "")
}

// NewJWTServiceWithRotation creates a service with dual-key support for
// zero-downtime rotation. Set previousSecret to "" when no rotation is in progress.
func NewJWTServiceWithRotation(currentSecret, previousSecret string) *JWTService {
	svc := &JWTService{
		currentSecret: []byte(currentSecret),
		leeway:        DefaultLeeway,
		now:           time.Now,
	}
	if previousSecret != "" {
		svc.previousSecret = []byte(previousSecret)
	}
	return svc
}

// WithLeeway returns the service with a custom validation leeway.
func (s *JWTService) WithLeeway(leeway time.Duration) *JWTService {
	s.leeway = leeway
	return s
}

// GenerateAccessToken issues an access token for p.
func (s *JWTService) GenerateAccessToken(p unit.Principal) (string, error) {
	return s.generate(p, AccessTokenExpiry)
}

func (s *JWTService) generate(p unit.Principal, ttl time.Duration) (string, error) {
	if p.ID == "" {
		return "", ErrEmptySubject
	}
	if !p.Role.Valid() {
		return "", ErrInvalidRole
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    Issuer,
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(p.Role),
		Org:  p.OrgName,
		Type: TokenTypeAccess,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.currentSecret)
}

// ValidateToken parses and validates a JWT token, returning the claims if valid.
// Tries currentSecret first, then previousSecret if available.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString, s.currentSecret)
	if err == nil {
		return claims, nil
	}
	if s.previousSecret != nil {
		if claims, prevErr := s.parse(tokenString, s.previousSecret); prevErr == nil {
			return claims, nil
		}
	}
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpiredToken
	}
	return nil, ErrInvalidToken
}

// Authenticate validates an access token and returns its principal.
func (s *JWTService) Authenticate(tokenString string) (unit.Principal, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return unit.Principal{}, err
	}
	if claims.Type != TokenTypeAccess {
		return unit.Principal{}, ErrInvalidToken
	}
	return claims.Principal()
}

func (s *JWTService) parse(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithLeeway(s.leeway), jwt.WithTimeFunc(s.now), jwt.WithIssuer(Issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
