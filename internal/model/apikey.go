package model

import (
	"slices"
	"time"
)

const (
	PermPublish = "publish"
	PermRead    = "read"
	PermAdmin   = "admin"
)

// APIKey is a producer/consumer credential. Only the token hash is stored.
type APIKey struct {
	ID          string
	Name        string
	TokenHash   string
	Permissions []string
	RateLimit   int // requests per minute; 0 uses the configured default
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	RevokedAt   *time.Time
}

// Can reports whether the key grants perm. Admin implies everything.
func (k APIKey) Can(perm string) bool {
	return slices.Contains(k.Permissions, PermAdmin) || slices.Contains(k.Permissions, perm)
}
