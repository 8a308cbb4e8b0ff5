package model

type (
	// DeviceKey is one entry of the legacy per-device key registry.
	DeviceKey struct {
		DeviceID    string `json:"deviceId,omitempty"`
		IdentityKey []byte `json:"identityKey"`
		KeyVersion  uint32 `json:"keyVersion,omitempty"`
	}

	// LegacyKeys is the response of the legacy GET /keys/{userId} endpoint.
	LegacyKeys struct {
		Devices []DeviceKey `json:"devices"`
	}

	// WireMessage is one encrypted message as returned by the history
	// endpoint or carried in a message_envelope frame.
	WireMessage struct {
		ID        string     `json:"id"`
		ChatID    string     `json:"chatId"`
		SenderID  string     `json:"senderId"`
		Envelopes []Envelope `json:"envelopes"`
		Preview   string     `json:"preview,omitempty"`
		ReplyTo   string     `json:"replyTo,omitempty"`
		CreatedAt int64      `json:"createdAt"`
	}

	// HistoryPage is one page of backward message history.
	HistoryPage struct {
		Messages   []WireMessage `json:"messages"`
		HasMore    bool          `json:"hasMore"`
		NextCursor string        `json:"nextCursor,omitempty"`
	}
)
