// Package auth validates the bearer tokens issued by the fleet identity
// provider and turns them into the actor recorded on assistance changes.
package auth

import (
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ukydev/fleet-assistance/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrInvalidRole  = errors.New("invalid role")
)

// DefaultTokenExpiry applies when the service is built with a zero expiry.
const DefaultTokenExpiry = 24 * time.Hour

// Service signs and validates HS256 tokens
type Service struct {
	jwtSecret []byte
	tokenExp  time.Duration
	now       func() time.Time
}

type tokenClaims struct {
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
	AccountID    string `json:"account_id"`
	DealershipID string `json:"dealership_id,omitempty"`
	Role         string `json:"role"`
	jwt.RegisteredClaims
}

// NewService creates a token service. The secret must not be empty.
func NewService(secret string, expiry time.Duration) (*Service, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if expiry <= 0 {
		expiry = DefaultTokenExpiry
	}
	return &Service{
		jwtSecret: []byte(secret),
		tokenExp:  expiry,
		now:       time.Now,
	}, nil
}

// GenerateToken signs a token for c. Exp is filled in from the service expiry.
func (s *Service) GenerateToken(c models.Claims) (string, error) {
	if !models.IsValidRole(c.Role) {
		return "", ErrInvalidRole
	}
	now := s.now()
	claims := tokenClaims{
		UserID:       c.UserID,
		Username:     c.Username,
		AccountID:    c.AccountID,
		DealershipID: c.DealershipID,
		Role:         string(c.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenExp)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// ValidateToken validates a JWT token and returns the claims
func (s *Service) ValidateToken(tokenString string) (*models.Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	var claims tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	role := models.Role(claims.Role)
	if !models.IsValidRole(role) {
		return nil, ErrInvalidRole
	}

	return &models.Claims{
		UserID:       claims.UserID,
		Username:     claims.Username,
		AccountID:    claims.AccountID,
		DealershipID: claims.DealershipID,
		Role:         role,
		Exp:          claims.ExpiresAt.Unix(),
	}, nil
}

// ExtractTokenFromHeader extracts token from Authorization header
func ExtractTokenFromHeader(authHeader string) (string, error) {
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", ErrInvalidToken
	}
	return parts[1], nil
}
