package model

type (
	// Envelope is one recipient-scoped ciphertext of a single message. A
	// logical message is a set of envelopes, one per (recipient, device),
	// including the sender's own identity for multi-device self-sync.
	Envelope struct {
		RecipientID       string `json:"recipientId" bson:"recipient_id"`
		RecipientDevice   string `json:"recipientDevice,omitempty" bson:"recipient_device,omitempty"`
		Payload           []byte `json:"payload" bson:"payload"`
		Nonce             []byte `json:"nonce" bson:"nonce"`
		KeyVersion        uint32 `json:"keyVersion" bson:"key_version"`
		AlgorithmID       string `json:"algorithmId" bson:"algorithm_id"`
		SenderIdentityKey []byte `json:"senderIdentityKey" bson:"sender_identity_key"`
		FormatVersion     int    `json:"formatVersion" bson:"format_version"`
	}
)

// HasRecipient reports whether the set already carries an envelope for the
// given recipient, optionally narrowed to one device.
func HasRecipient(envelopes []Envelope, userID, deviceID string) bool {
	for _, env := range envelopes {
		if env.RecipientID != userID {
			continue
		}
		if deviceID == "" || env.RecipientDevice == "" || env.RecipientDevice == deviceID {
			return true
		}
	}
	return false
}
