package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/funnelsync/pkg/models"
)

func TestJWTServiceGenerateValidate(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	token, err := service.Generate(&models.User{ID: "user-1", Email: "user@example.com", Name: "User"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	user, err := service.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if user.ID != "user-1" {
		t.Fatalf("expected user id, got %q", user.ID)
	}
	if user.Email != "user@example.com" {
		t.Fatalf("expected email, got %q", user.Email)
	}
	if user.Name != "User" {
		t.Fatalf("expected name, got %q", user.Name)
	}
}

func TestJWTServiceRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTService("secret-a", time.Hour).Generate(&models.User{ID: "user-1"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := NewJWTService("secret-b", time.Hour).Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTServiceRejectsExpired(t *testing.T) {
	service := NewJWTService("secret", time.Minute)
	issued := time.Now().Add(-time.Hour)
	service.now = func() time.Time { return issued }
	token, err := service.Generate(&models.User{ID: "user-1"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	service.now = time.Now
	if _, err := service.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTServiceIssuer(t *testing.T) {
	other, err := NewJWTService("secret", time.Hour, WithIssuer("someone-else")).Generate(&models.User{ID: "user-1"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	service := NewJWTService("secret", time.Hour, WithIssuer("funnelsync"))
	if _, err := service.Validate(other); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Validate() error = %v, want ErrInvalidToken for foreign issuer", err)
	}

	own, _ := service.Generate(&models.User{ID: "user-1"})
	if _, err := service.Validate(own); err != nil {
		t.Fatalf("Validate() own token error = %v", err)
	}
}

func TestJWTServiceRequiresUserID(t *testing.T) {
	if _, err := NewJWTService("secret", time.Hour).Generate(&models.User{}); err == nil {
		t.Fatal("expected error for empty user id")
	}
}

func TestServiceDisabled(t *testing.T) {
	service := NewService(Config{})
	if service.Enabled() {
		t.Fatal("service without secret should be disabled")
	}
	if _, err := service.ValidateJWT("anything"); !errors.Is(err, ErrAuthDisabled) {
		t.Fatalf("ValidateJWT() error = %v, want ErrAuthDisabled", err)
	}
	if _, err := service.GenerateJWT(&models.User{ID: "u"}); !errors.Is(err, ErrAuthDisabled) {
		t.Fatalf("GenerateJWT() error = %v, want ErrAuthDisabled", err)
	}
}

func TestServiceMissingToken(t *testing.T) {
	service := NewService(Config{JWTSecret: "secret", TokenExpiry: time.Hour})
	if _, err := service.ValidateJWT("  "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("ValidateJWT() error = %v, want ErrMissingToken", err)
	}
}
