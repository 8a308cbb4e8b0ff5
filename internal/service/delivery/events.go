package delivery

import "sealchat/internal/model"

// EventType classifies events the delivery service publishes to the UI layer.
type EventType uint8

const (
	// EventMessageAdded fires when a message enters the transcript, whether
	// optimistic, realtime, or loaded from history.
	EventMessageAdded EventType = iota
	// EventMessageUpdated fires on id swap, status change, receipts, or
	// tombstoning.
	EventMessageUpdated
	// EventTyping and EventStopTyping mirror peer typing frames.
	EventTyping
	EventStopTyping
	// EventHistoryRepaired fires when the server announces envelopes were
	// appended for this chat; the UI may re-fetch history.
	EventHistoryRepaired
)

type Event struct {
	Type      EventType
	ChatID    string
	MessageID string
	Message   *model.Message
	UserID    string
}
