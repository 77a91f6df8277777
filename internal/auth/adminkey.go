package auth

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AdminKey guards operator routes with a bcrypt-hashed shared key.
type AdminKey struct {
	hash []byte
}

// NewAdminKey returns nil when no hash is configured, which disables operator routes.
func NewAdminKey(hash string) *AdminKey {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return nil
	}
	return &AdminKey{hash: []byte(hash)}
}

// HashAdminKey produces the value to configure for a plaintext key.
func HashAdminKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (k *AdminKey) Matches(provided string) bool {
	if k == nil {
		return false
	}
	provided = strings.TrimSpace(provided)
	if provided == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(k.hash, []byte(provided)) == nil
}
