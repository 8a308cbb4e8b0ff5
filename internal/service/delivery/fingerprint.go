package delivery

import (
	"crypto/sha256"
	"encoding/hex"

	"sealchat/internal/model"
)

// fingerprint identifies an outstanding send by its preview text and
// attachment ids. The server assigns the real message id, so acknowledgement
// matching cannot use the temporary id.
func fingerprint(preview string, attachments []model.Attachment) string {
	h := sha256.New()
	h.Write([]byte(preview))
	for _, a := range attachments {
		h.Write([]byte{0})
		h.Write([]byte(a.ID))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
