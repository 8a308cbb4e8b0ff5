package encryption

import (
	"crypto/rand"
	"fmt"

	"sealchat/internal/cryptographic/kdf"
)

const (
	SaltSize = 16

	// MinPBKDF2Iterations is the floor for the backup key derivation. Configs
	// below it are lifted, never honored.
	MinPBKDF2Iterations = 150000
)

// NewSalt returns a fresh random salt for passphrase wrapping.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("rand.Read salt: %w", err)
	}
	return salt, nil
}

// WrapSecret seals a secret under a password-derived key. The salt binds the
// derived key to this bundle; iterations below the floor are lifted.
func WrapSecret(password string, secret, salt []byte, iterations int) (nonce, ciphertext []byte, err error) {
	if iterations < MinPBKDF2Iterations {
		iterations = MinPBKDF2Iterations
	}
	key := kdf.PBKDF2Key(password, salt, iterations)
	return AEADEncrypt(key, secret, salt)
}

// UnwrapSecret reverses WrapSecret. Failure means a wrong password or a
// corrupted ciphertext; the AEAD cannot tell the two apart.
func UnwrapSecret(password string, salt, nonce, ciphertext []byte, iterations int) ([]byte, error) {
	if iterations < MinPBKDF2Iterations {
		iterations = MinPBKDF2Iterations
	}
	key := kdf.PBKDF2Key(password, salt, iterations)
	return AEADDecrypt(key, nonce, ciphertext, salt)
}
