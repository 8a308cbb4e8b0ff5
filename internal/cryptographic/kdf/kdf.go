package kdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// HKDF fills buffer with HKDF-SHA256 output for the given secret/salt/info.
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// PBKDF2Key derives a 32-byte key from a password and salt. Used only for
// wrapping the identity private key at rest.
func PBKDF2Key(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
}
