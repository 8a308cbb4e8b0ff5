package encryption

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the XChaCha20-Poly1305 nonce length (24 bytes). The extended
// nonce is what makes random per-envelope nonces safe without a counter.
const NonceSize = chacha20poly1305.NonceSizeX

// AEADEncrypt seals plaintext under key with a fresh random 24-byte nonce.
// key must be 32 bytes. The nonce is returned separately so envelopes can
// carry it as their own field.
func AEADEncrypt(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("chacha20poly1305.NewX: %w", err)
	}
	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("rand.Read nonce: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ciphertext, nil
}

// AEADDecrypt opens a ciphertext sealed by AEADEncrypt. A tag mismatch or a
// malformed nonce is an error; callers treating open-failure as "try the next
// envelope" reduce it to a boolean at their level.
func AEADDecrypt(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("chacha20poly1305.NewX: %w", err)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("aead.Open: %w", err)
	}
	return plain, nil
}
