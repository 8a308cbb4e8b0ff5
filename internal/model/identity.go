package model

type (
	// Identity is the local device's long-lived X25519 key pair. Exactly one
	// exists per installation; the private key never leaves the process except
	// wrapped under a password-derived key for backup.
	Identity struct {
		PublicKey  []byte `json:"publicKey"`
		PrivateKey []byte `json:"privateKey"`
		KeyVersion uint32 `json:"keyVersion"`
	}

	// PublicKeyInfo is another participant's published identity key.
	PublicKeyInfo struct {
		PublicKey []byte `json:"publicKey"`
		Version   uint32 `json:"version"`
	}

	// IdentityBundle is the server-held, passphrase-wrapped backup of the
	// local identity.
	IdentityBundle struct {
		PublicKey           []byte `json:"publicKey"`
		EncryptedPrivateKey []byte `json:"encryptedPrivateKey"`
		Nonce               []byte `json:"nonce"`
		Salt                []byte `json:"salt"`
		Iterations          int    `json:"iterations"`
		Version             uint32 `json:"version"`
	}
)

const KeySize = 32
