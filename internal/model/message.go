package model

import (
	"sort"
	"strconv"
	"time"
)

// Status is the delivery state of a message on the sending client.
// Transitions are monotonic: once a message reaches Seen it never regresses.
type Status uint8

const (
	StatusSending Status = iota
	StatusSent
	StatusDelivered
	StatusSeen
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusSeen:
		return "seen"
	}
	return "unknown"
}

// ParseStatus maps a wire status string to a Status. The boolean is false for
// strings outside the known set.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "sending":
		return StatusSending, true
	case "sent":
		return StatusSent, true
	case "delivered":
		return StatusDelivered, true
	case "seen":
		return StatusSeen, true
	}
	return StatusSending, false
}

type (
	Attachment struct {
		ID       string `json:"id" bson:"id"`
		Name     string `json:"name" bson:"name"`
		MimeType string `json:"mimeType" bson:"mime_type"`
		Size     int64  `json:"size" bson:"size"`
	}

	// Message is one entry of a chat transcript. Created locally with a
	// temporary id in StatusSending, the id is swapped to the server-assigned
	// one on first acknowledgement. Deletion converts it to a tombstone
	// placeholder instead of removing it.
	Message struct {
		ID          string       `json:"id" bson:"_id"`
		ChatID      string       `json:"chatId" bson:"chat_id"`
		SenderID    string       `json:"senderId" bson:"sender_id"`
		Content     string       `json:"content" bson:"content"`
		Timestamp   time.Time    `json:"timestamp" bson:"timestamp"`
		Status      Status       `json:"status" bson:"status"`
		ReplyTo     string       `json:"replyTo,omitempty" bson:"reply_to,omitempty"`
		Attachments []Attachment `json:"attachments,omitempty" bson:"attachments,omitempty"`
		Deleted     bool         `json:"deleted,omitempty" bson:"deleted,omitempty"`

		// SeenBy holds per-viewer seen timestamps for group chats,
		// last-seen-wins per viewer.
		SeenBy map[string]time.Time `json:"seenBy,omitempty" bson:"seen_by,omitempty"`
	}
)

// AdvanceStatus applies a status transition, returning true if the message
// changed. Backward transitions are no-ops.
func (m *Message) AdvanceStatus(s Status) bool {
	if s <= m.Status {
		return false
	}
	m.Status = s
	return true
}

// MarkSeenBy records a viewer receipt and lifts the scalar status to Seen.
func (m *Message) MarkSeenBy(viewerID string, at time.Time) bool {
	changed := m.AdvanceStatus(StatusSeen)
	if viewerID == "" {
		return changed
	}
	if m.SeenBy == nil {
		m.SeenBy = make(map[string]time.Time)
	}
	if prev, ok := m.SeenBy[viewerID]; !ok || at.After(prev) {
		m.SeenBy[viewerID] = at
		changed = true
	}
	return changed
}

// SortMessages orders a transcript by timestamp, tie-broken by numeric id
// ascending, regardless of history vs realtime arrival order.
func SortMessages(messages []*Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		a, b := messages[i], messages[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		an, aerr := strconv.ParseInt(a.ID, 10, 64)
		bn, berr := strconv.ParseInt(b.ID, 10, 64)
		if aerr == nil && berr == nil {
			return an < bn
		}
		return a.ID < b.ID
	})
}
