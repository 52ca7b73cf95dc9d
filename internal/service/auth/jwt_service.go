package auth

import (
	"context"
	"time"
)

// Roles carried in the token.
const (
	RoleOwner = "owner"
	RoleAdmin = "admin"
)

// JWTService defines operations for managing JWT authentication tokens.
type JWTService interface {
	// GenerateToken creates a signed JWT access token for the owner.
	GenerateToken(ctx context.Context, ownerID int64, role string) (string, error)

	// ValidateToken validates the provided access token string and extracts the claims.
	// Returns an error if validation fails (expired, invalid signature, etc.).
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
}

// Claims represents the custom claims structure for the JWT tokens.
type Claims struct {
	// OwnerID identifies the task owner the token was issued for.
	OwnerID int64 `json:"oid"`

	// Role is RoleOwner or RoleAdmin.
	Role string `json:"role,omitempty"`

	Subject   string    `json:"sub,omitempty"`
	IssuedAt  time.Time `json:"iat,omitempty"`
	ExpiresAt time.Time `json:"exp,omitempty"`
	ID        string    `json:"jti,omitempty"`
}

// IsAdmin reports whether the token grants administrative routes.
func (c *Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}
