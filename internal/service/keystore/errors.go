package keystore

import "errors"

var (
	// ErrIdentityMissing means no local identity exists; callers must run
	// Bootstrap (or prompt re-authentication) before encrypting anything.
	ErrIdentityMissing = errors.New("identity missing")

	// ErrBundleCorrupt means the server bundle would not decrypt: wrong
	// password or corrupted ciphertext, the AEAD cannot tell which.
	ErrBundleCorrupt = errors.New("identity bundle corrupt or wrong password")
)
