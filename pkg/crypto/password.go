// Package crypto wraps bcrypt for account password storage.
package crypto

import "golang.org/x/crypto/bcrypt"

// HashPassword derives a bcrypt hash from the plaintext at the default cost.
func HashPassword(plain string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
}

// ComparePassword reports whether plain matches the stored hash. A non-nil
// error means the credentials do not match.
func ComparePassword(hash []byte, plain string) error {
	return bcrypt.CompareHashAndPassword(hash, []byte(plain))
}
