package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/haasonsaas/funnelsync/pkg/models"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing token")
)

// Config configures token verification.
type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
	Issuer      string
}

// Service verifies and mints the bearer tokens used by clients and the
// admin API.
type Service struct {
	jwt *JWTService
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry, WithIssuer(cfg.Issuer))
	}
	return service
}

// Enabled reports whether a signing secret is configured.
func (s *Service) Enabled() bool {
	return s != nil && s.jwt != nil
}

// GenerateJWT issues a signed token for the given user.
func (s *Service) GenerateJWT(user *models.User) (string, error) {
	if !s.Enabled() {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(user)
}

// ValidateJWT validates a JWT and returns the associated user.
func (s *Service) ValidateJWT(token string) (*models.User, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	return s.jwt.Validate(token)
}
