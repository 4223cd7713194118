package testutil

import (
	"time"

	"github.com/opexdev/backoffice/libs/auth"
)

const (
	AdminRole    = "accountant-admin"
	AdminSubject = "00000000-0000-0000-0000-000000000001"
)

// GenerateAdminJWT signs a token carrying the accountant admin role.
func GenerateAdminJWT(secret []byte, ttl time.Duration) (string, error) {
	return auth.Sign(AdminSubject, []string{AdminRole}, ttl, secret)
}

// GenerateJWT signs a token with the given roles.
func GenerateJWT(subject string, roles []string, secret []byte, ttl time.Duration) (string, error) {
	return auth.Sign(subject, roles, ttl, secret)
}
