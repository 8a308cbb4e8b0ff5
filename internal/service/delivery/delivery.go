// Package delivery turns user intent ("send text") into transport frames and
// reconciles the per-message state machine sending -> sent -> delivered ->
// seen against acknowledgement and receipt events arriving out of order.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sealchat/internal/model"
	"sealchat/internal/service/api"
	"sealchat/internal/service/transport"
	"sealchat/internal/utils/log"
)

// ErrTransportUnavailable wraps a send refused because the transport was
// shut down. While merely disconnected, frames queue instead.
var ErrTransportUnavailable = errors.New("transport unavailable")

type (
	// Transport is the slice of the realtime connection the delivery state
	// machine needs. Satisfied by *transport.Transport; tests inject fakes.
	Transport interface {
		Send(frame model.Frame) error
		Join(chatID string) error
		Leave(chatID string) error
		Subscribe(fn transport.Handler) func()
	}

	// Crypter is the envelope engine surface used here. Satisfied by
	// *envelope.Engine.
	Crypter interface {
		EncryptForRecipients(ctx context.Context, chatID string, plaintext []byte, recipientUserIDs []string, selfUserID, token string) ([]model.Envelope, error)
		DecryptMessage(chatID string, envelopes []model.Envelope) ([]byte, bool)
	}

	// RepairRequester asks peers to re-encrypt history for a target device.
	// Implemented by the repair manager; split out so delivery does not
	// depend on the protocol package.
	RepairRequester interface {
		RequestRepair(chatID, targetUserID, targetDeviceID string)
	}

	// Store is the optional local transcript cache (mongo-backed in
	// production wiring). A nil Store keeps everything in memory.
	Store interface {
		Upsert(ctx context.Context, m *model.Message) error
		ByChat(ctx context.Context, chatID string) ([]*model.Message, error)
		Tombstone(ctx context.Context, id string) error
	}

	Config struct {
		SelfUserID      string
		DeviceID        string
		Token           string
		HistoryPageSize int
	}

	chatState struct {
		messages []*model.Message
		byID     map[string]*model.Message
	}

	pendingSend struct {
		tempID      string
		chatID      string
		fingerprint string
		queuedAt    time.Time
	}

	// Service is the delivery state machine for all chats of one client.
	Service struct {
		engine    Crypter
		tr        Transport
		apiClient *api.Client
		store     Store
		repair    RepairRequester
		cfg       Config

		mu      sync.Mutex
		chats   map[string]*chatState
		pending []*pendingSend
		subs    map[int]func(Event)
		nextSub int
		unsub   func()
	}
)

func New(engine Crypter, tr Transport, apiClient *api.Client, store Store, cfg Config) *Service {
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 50
	}
	return &Service{
		engine:    engine,
		tr:        tr,
		apiClient: apiClient,
		store:     store,
		cfg:       cfg,
		chats:     make(map[string]*chatState),
		subs:      make(map[int]func(Event)),
	}
}

// SetRepairRequester wires the repair manager in after construction; both
// sides need the transport, so the cycle is broken here.
func (s *Service) SetRepairRequester(r RepairRequester) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repair = r
}

// Start subscribes to inbound transport frames.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub != nil {
		return
	}
	s.unsub = s.tr.Subscribe(s.handleFrame)
}

// Close unsubscribes from the transport.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
}

// Subscribe registers a UI event listener, returning its unsubscribe func.
func (s *Service) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Service) emit(ev Event) {
	s.mu.Lock()
	listeners := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (s *Service) chat(chatID string) *chatState {
	cs, ok := s.chats[chatID]
	if !ok {
		cs = &chatState{byID: make(map[string]*model.Message)}
		s.chats[chatID] = cs
	}
	return cs
}

// Messages returns the chat transcript sorted by timestamp, tie-broken by
// numeric id ascending.
func (s *Service) Messages(chatID string) []*model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	out := make([]*model.Message, len(cs.messages))
	copy(out, cs.messages)
	model.SortMessages(out)
	return out
}

// Join enters a chat room; membership is replayed by the transport after a
// reconnect.
func (s *Service) Join(chatID string) error {
	return s.tr.Join(chatID)
}

// Leave exits a chat room.
func (s *Service) Leave(chatID string) error {
	return s.tr.Leave(chatID)
}

// SendText creates an optimistic message, encrypts it for every participant
// plus self, and transmits one frame bundling all envelopes with a plaintext
// preview. On any construction failure the optimistic entry is rolled back;
// no half-sent message survives in the list.
func (s *Service) SendText(ctx context.Context, chatID, content string, participants []string) (*model.Message, error) {
	msg := &model.Message{
		ID:        "tmp-" + uuid.NewString(),
		ChatID:    chatID,
		SenderID:  s.cfg.SelfUserID,
		Content:   content,
		Timestamp: time.Now(),
		Status:    model.StatusSending,
	}

	s.mu.Lock()
	cs := s.chat(chatID)
	cs.messages = append(cs.messages, msg)
	cs.byID[msg.ID] = msg
	s.pending = append(s.pending, &pendingSend{
		tempID:      msg.ID,
		chatID:      chatID,
		fingerprint: fingerprint(content, msg.Attachments),
		queuedAt:    msg.Timestamp,
	})
	s.mu.Unlock()
	s.emit(Event{Type: EventMessageAdded, ChatID: chatID, MessageID: msg.ID, Message: msg})

	envelopes, err := s.engine.EncryptForRecipients(ctx, chatID, []byte(content), participants, s.cfg.SelfUserID, s.cfg.Token)
	if err != nil {
		s.rollback(chatID, msg.ID)
		return nil, fmt.Errorf("encrypt for chat %s: %w", chatID, err)
	}

	err = s.tr.Send(model.Frame{
		Type:           model.FrameMessageSend,
		ChatID:         chatID,
		Envelopes:      envelopes,
		SenderDeviceID: s.cfg.DeviceID,
		Preview:        content,
	})
	if err != nil {
		s.rollback(chatID, msg.ID)
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	s.persist(ctx, msg)
	return msg, nil
}

// rollback removes an optimistic message after a failed construction.
func (s *Service) rollback(chatID, tempID string) {
	s.mu.Lock()
	cs := s.chat(chatID)
	delete(cs.byID, tempID)
	for i, m := range cs.messages {
		if m.ID == tempID {
			cs.messages = append(cs.messages[:i], cs.messages[i+1:]...)
			break
		}
	}
	for i, p := range s.pending {
		if p.tempID == tempID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.emit(Event{Type: EventMessageUpdated, ChatID: chatID, MessageID: tempID})
}

// MarkSeen reports that this client has viewed a message.
func (s *Service) MarkSeen(chatID, messageID string) error {
	return s.tr.Send(model.Frame{Type: model.FrameMessageSeen, ChatID: chatID, MessageID: messageID})
}

// SetTyping emits a typing or stop-typing frame for this chat.
func (s *Service) SetTyping(chatID string, typing bool) error {
	frameType := model.FrameTyping
	if !typing {
		frameType = model.FrameStopTyping
	}
	return s.tr.Send(model.Frame{Type: frameType, ChatID: chatID})
}

// DeleteMessage converts a local message to a tombstone placeholder. The
// entry stays in the transcript; only its content is gone.
func (s *Service) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	s.mu.Lock()
	cs := s.chat(chatID)
	msg, ok := cs.byID[messageID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("message %s not found in chat %s", messageID, chatID)
	}
	msg.Deleted = true
	msg.Content = ""
	msg.Attachments = nil
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Tombstone(ctx, messageID); err != nil {
			log.Warn("transcript cache tombstone failed", zap.String("message_id", messageID), zap.Error(err))
		}
	}
	s.emit(Event{Type: EventMessageUpdated, ChatID: chatID, MessageID: messageID, Message: msg})
	return nil
}

// LoadCached seeds the transcript from the local store so the UI has history
// before (or without) any network round-trip. Entries already present, from
// realtime or an earlier load, keep their in-memory state.
func (s *Service) LoadCached(ctx context.Context, chatID string) error {
	if s.store == nil {
		return nil
	}
	cached, err := s.store.ByChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("cached transcript for chat %s: %w", chatID, err)
	}

	for _, msg := range cached {
		s.mu.Lock()
		cs := s.chat(chatID)
		if _, exists := cs.byID[msg.ID]; exists {
			s.mu.Unlock()
			continue
		}
		cs.messages = append(cs.messages, msg)
		cs.byID[msg.ID] = msg
		s.mu.Unlock()
		s.emit(Event{Type: EventMessageAdded, ChatID: chatID, MessageID: msg.ID, Message: msg})
	}
	return nil
}

// LoadHistory fetches one page of encrypted history and merges it into the
// transcript, deduplicating against realtime and optimistic entries.
// Undecryptable messages trigger a repair request instead of rendering.
func (s *Service) LoadHistory(ctx context.Context, chatID, before string) (hasMore bool, nextCursor string, err error) {
	page, err := s.apiClient.GetMessages(ctx, chatID, s.cfg.HistoryPageSize, before, s.cfg.DeviceID, s.cfg.Token)
	if err != nil {
		return false, "", fmt.Errorf("history for chat %s: %w", chatID, err)
	}

	repairRequested := false
	for _, wire := range page.Messages {
		plain, ok := s.engine.DecryptMessage(chatID, wire.Envelopes)
		if !ok {
			log.Warn("history message undecryptable, requesting repair",
				zap.String("chat_id", chatID),
				zap.String("message_id", wire.ID))
			if !repairRequested {
				s.requestRepairForSelf(chatID)
				repairRequested = true
			}
			continue
		}
		s.addRemote(ctx, chatID, wire, string(plain))
	}
	return page.HasMore, page.NextCursor, nil
}

// addRemote inserts a decrypted server message unless its id is already
// known from history, realtime, or an acknowledged optimistic send.
func (s *Service) addRemote(ctx context.Context, chatID string, wire model.WireMessage, content string) {
	status := model.StatusDelivered
	if wire.SenderID == s.cfg.SelfUserID {
		status = model.StatusSent
	}

	s.mu.Lock()
	cs := s.chat(chatID)
	if _, exists := cs.byID[wire.ID]; exists {
		s.mu.Unlock()
		return
	}
	ts := time.Now()
	if wire.CreatedAt > 0 {
		ts = time.UnixMilli(wire.CreatedAt)
	}
	msg := &model.Message{
		ID:        wire.ID,
		ChatID:    chatID,
		SenderID:  wire.SenderID,
		Content:   content,
		Timestamp: ts,
		Status:    status,
		ReplyTo:   wire.ReplyTo,
	}
	cs.messages = append(cs.messages, msg)
	cs.byID[wire.ID] = msg
	s.mu.Unlock()

	s.persist(ctx, msg)
	s.emit(Event{Type: EventMessageAdded, ChatID: chatID, MessageID: msg.ID, Message: msg})
}

func (s *Service) requestRepairForSelf(chatID string) {
	s.mu.Lock()
	repair := s.repair
	s.mu.Unlock()
	if repair != nil {
		repair.RequestRepair(chatID, s.cfg.SelfUserID, s.cfg.DeviceID)
	}
}

func (s *Service) persist(ctx context.Context, msg *model.Message) {
	if s.store == nil {
		return
	}
	if err := s.store.Upsert(ctx, msg); err != nil {
		log.Warn("transcript cache write failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}
