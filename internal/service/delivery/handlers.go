package delivery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"sealchat/internal/model"
	"sealchat/internal/utils/log"
)

// handleFrame reconciles inbound realtime events against local state. It runs
// on the transport read goroutine; every branch is idempotent because events
// can interleave with local optimistic transitions in any order.
func (s *Service) handleFrame(frame model.Frame) {
	switch frame.Type {
	case model.FrameEnvelopeSent:
		s.handleAck(frame)
	case model.FrameMessageStatus:
		s.handleStatus(frame)
	case model.FrameMessageEnvelope:
		s.handleIncoming(frame)
	case model.FrameTyping:
		s.emit(Event{Type: EventTyping, ChatID: frame.ChatID, UserID: frame.SenderID})
	case model.FrameStopTyping:
		s.emit(Event{Type: EventStopTyping, ChatID: frame.ChatID, UserID: frame.SenderID})
	case model.FrameEnvelopesAppend:
		s.emit(Event{Type: EventHistoryRepaired, ChatID: frame.ChatID, MessageID: frame.MessageID})
	}
}

// handleAck matches the server's "envelope accepted" event to the most recent
// outstanding send with the same preview fingerprint, swaps the temporary id
// for the server-assigned one, and promotes the message to sent. Unmatched
// acks belong to another client of this account and are ignored.
func (s *Service) handleAck(frame model.Frame) {
	fp := fingerprint(frame.Preview, nil)

	s.mu.Lock()
	var matched *pendingSend
	matchIdx := -1
	for i := len(s.pending) - 1; i >= 0; i-- {
		p := s.pending[i]
		if p.chatID == frame.ChatID && p.fingerprint == fp {
			matched = p
			matchIdx = i
			break
		}
	}
	if matched == nil {
		s.mu.Unlock()
		log.Debug("unmatched send acknowledgement ignored",
			zap.String("chat_id", frame.ChatID),
			zap.String("server_id", frame.MessageID))
		return
	}
	s.pending = append(s.pending[:matchIdx], s.pending[matchIdx+1:]...)

	cs := s.chat(matched.chatID)
	msg, ok := cs.byID[matched.tempID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(cs.byID, matched.tempID)
	if existing, dup := cs.byID[frame.MessageID]; dup {
		// History or a realtime path already inserted the server copy. Drop
		// the optimistic entry so the transcript keeps a single row per id.
		for i, m := range cs.messages {
			if m == msg {
				cs.messages = append(cs.messages[:i], cs.messages[i+1:]...)
				break
			}
		}
		existing.AdvanceStatus(model.StatusSent)
		s.mu.Unlock()

		s.persist(context.Background(), existing)
		s.emit(Event{Type: EventMessageUpdated, ChatID: existing.ChatID, MessageID: existing.ID, Message: existing})
		return
	}
	msg.ID = frame.MessageID
	if frame.CreatedAt > 0 {
		msg.Timestamp = time.UnixMilli(frame.CreatedAt)
	}
	msg.AdvanceStatus(model.StatusSent)
	cs.byID[msg.ID] = msg
	s.mu.Unlock()

	s.persist(context.Background(), msg)
	s.emit(Event{Type: EventMessageUpdated, ChatID: msg.ChatID, MessageID: msg.ID, Message: msg})
}

// handleStatus applies delivered/seen receipts. Only forward transitions
// stick; group seen events accumulate per-viewer receipts last-wins.
func (s *Service) handleStatus(frame model.Frame) {
	status, ok := model.ParseStatus(frame.Status)
	if !ok {
		log.Debug("unknown status value ignored", zap.String("status", frame.Status))
		return
	}

	s.mu.Lock()
	var msg *model.Message
	if frame.ChatID != "" {
		if cs, found := s.chats[frame.ChatID]; found {
			msg = cs.byID[frame.MessageID]
		}
	} else {
		for _, cs := range s.chats {
			if m, found := cs.byID[frame.MessageID]; found {
				msg = m
				break
			}
		}
	}
	if msg == nil {
		s.mu.Unlock()
		return
	}

	changed := false
	if status == model.StatusSeen {
		changed = msg.MarkSeenBy(frame.ViewerID, frame.StatusTime())
	} else {
		changed = msg.AdvanceStatus(status)
	}
	s.mu.Unlock()

	if changed {
		s.persist(context.Background(), msg)
		s.emit(Event{Type: EventMessageUpdated, ChatID: msg.ChatID, MessageID: msg.ID, Message: msg})
	}
}

// handleIncoming decrypts a realtime encrypted frame. Undecryptable traffic
// is never rendered; it triggers a repair request for this device instead.
func (s *Service) handleIncoming(frame model.Frame) {
	if frame.SenderDeviceID == s.cfg.DeviceID && frame.SenderID == s.cfg.SelfUserID {
		// Our own frame echoed back; the ack path owns it.
		return
	}

	plain, ok := s.engine.DecryptMessage(frame.ChatID, frame.Envelopes)
	if !ok {
		log.Warn("incoming message undecryptable, requesting repair",
			zap.String("chat_id", frame.ChatID),
			zap.String("message_id", frame.MessageID))
		s.requestRepairForSelf(frame.ChatID)
		return
	}

	s.addRemote(context.Background(), frame.ChatID, model.WireMessage{
		ID:        frame.MessageID,
		ChatID:    frame.ChatID,
		SenderID:  frame.SenderID,
		Envelopes: frame.Envelopes,
		CreatedAt: frame.CreatedAt,
	}, string(plain))
}
