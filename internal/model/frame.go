package model

import "time"

// Realtime frame types, one JSON object per frame.
const (
	FrameAuth             = "auth"
	FrameAuthSuccess      = "auth_success"
	FrameError            = "error"
	FramePing             = "ping"
	FramePong             = "pong"
	FrameChatJoin         = "chat_join"
	FrameChatLeave        = "chat_leave"
	FrameTyping           = "typing"
	FrameStopTyping       = "stop-typing"
	FrameMessageSend      = "message_send"
	FrameMessageSeen      = "message_seen"
	FrameMessageStatus    = "message_status"
	FrameMessageEnvelope  = "message_envelope"
	FrameEnvelopeSent     = "message_envelope_sent"
	FrameRequestReencrypt = "request_reencrypt"
	FrameEnvelopesAppend  = "envelopes_appended"
)

type (
	// Frame is the single wire shape for realtime traffic in both directions.
	// Every frame carries Type; the remaining fields are populated per type.
	// Timestamps are unix milliseconds.
	Frame struct {
		Type string `json:"type"`

		Token          string `json:"token,omitempty"`
		ChatID         string `json:"chatId,omitempty"`
		DeviceID       string `json:"deviceId,omitempty"`
		SenderDeviceID string `json:"senderDeviceId,omitempty"`
		SenderID       string `json:"senderId,omitempty"`
		MessageID      string `json:"messageId,omitempty"`
		TargetUserID   string `json:"targetUserId,omitempty"`
		TargetDeviceID string `json:"targetDeviceId,omitempty"`
		ViewerID       string `json:"viewerId,omitempty"`

		Envelopes []Envelope `json:"envelopes,omitempty"`
		Preview   string     `json:"preview,omitempty"`
		Status    string     `json:"status,omitempty"`
		Error     string     `json:"error,omitempty"`

		Timestamp   int64 `json:"timestamp,omitempty"`
		DeliveredAt int64 `json:"deliveredAt,omitempty"`
		SeenAt      int64 `json:"seenAt,omitempty"`
		CreatedAt   int64 `json:"createdAt,omitempty"`
	}
)

// StatusTime normalizes the alternate timestamp fields a message_status event
// may carry. Falls back to the current time when the server sent none.
func (f *Frame) StatusTime() time.Time {
	for _, ms := range []int64{f.Timestamp, f.DeliveredAt, f.SeenAt, f.CreatedAt} {
		if ms > 0 {
			return time.UnixMilli(ms)
		}
	}
	return time.Now()
}
