// Package repair heals a device's inability to decrypt history by
// backfilling the envelopes it never received. A peer that fails to decrypt
// asks for repair over the realtime channel; this client then walks its own
// authored history backward and appends one fresh envelope per missing
// (message, target) pair.
package repair

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"sealchat/internal/model"
	"sealchat/internal/service/api"
	"sealchat/internal/service/transport"
	"sealchat/internal/utils/log"
)

type (
	Config struct {
		SelfUserID string
		DeviceID   string
		Token      string
		PageSize   int
	}

	// Transport is the realtime surface the repair protocol needs.
	// Satisfied by *transport.Transport.
	Transport interface {
		Send(frame model.Frame) error
		Subscribe(fn transport.Handler) func()
	}

	// Crypter is the envelope engine surface used here. Satisfied by
	// *envelope.Engine.
	Crypter interface {
		DecryptMessage(chatID string, envelopes []model.Envelope) ([]byte, bool)
		EncryptForRecipient(ctx context.Context, chatID string, plaintext []byte, targetUserID, targetDeviceID, token string) (*model.Envelope, error)
	}

	// KeyInvalidator drops a defective cached recipient key. Satisfied by
	// *keyresolver.Resolver.
	KeyInvalidator interface {
		Invalidate(ctx context.Context, userID string)
	}

	// Manager runs at most one repair job per (chat, user, device) key.
	// Duplicate triggers while a job is in flight are dropped silently.
	Manager struct {
		engine    Crypter
		resolver  KeyInvalidator
		tr        Transport
		apiClient *api.Client
		cfg       Config

		mu      sync.Mutex
		running map[string]bool
		unsub   func()
	}
)

func New(engine Crypter, resolver KeyInvalidator, tr Transport, apiClient *api.Client, cfg Config) *Manager {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Manager{
		engine:    engine,
		resolver:  resolver,
		tr:        tr,
		apiClient: apiClient,
		cfg:       cfg,
		running:   make(map[string]bool),
	}
}

// Start listens for inbound request_reencrypt frames from peers.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsub != nil {
		return
	}
	m.unsub = m.tr.Subscribe(m.handleFrame)
}

func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
}

func (m *Manager) handleFrame(frame model.Frame) {
	if frame.Type != model.FrameRequestReencrypt {
		return
	}
	if frame.TargetUserID == m.cfg.SelfUserID && frame.TargetDeviceID == m.cfg.DeviceID {
		// Our own outbound request echoed back.
		return
	}
	// Delivery for that recipient proved defective; drop the cached key so
	// the re-encryption pass resolves a fresh one.
	m.resolver.Invalidate(context.Background(), frame.TargetUserID)
	go func() {
		if err := m.Run(context.Background(), frame.ChatID, frame.TargetUserID, frame.TargetDeviceID); err != nil {
			log.Error("repair job failed",
				zap.String("chat_id", frame.ChatID),
				zap.String("target_user_id", frame.TargetUserID),
				zap.Error(err))
		}
	}()
}

// RequestRepair asks peers to re-encrypt history for the target device. Used
// by the delivery layer when this client cannot decrypt traffic.
func (m *Manager) RequestRepair(chatID, targetUserID, targetDeviceID string) {
	err := m.tr.Send(model.Frame{
		Type:           model.FrameRequestReencrypt,
		ChatID:         chatID,
		TargetUserID:   targetUserID,
		TargetDeviceID: targetDeviceID,
	})
	if err != nil {
		log.Warn("repair request not sent", zap.String("chat_id", chatID), zap.Error(err))
	}
}

func jobKey(chatID, targetUserID, targetDeviceID string) string {
	return chatID + "|" + targetUserID + "|" + targetDeviceID
}

// Run walks message history backward and appends a fresh envelope for every
// message this client authored that lacks one for the target. Individual
// message failures are logged and skipped; they never abort the job. Running
// the same job twice appends nothing the second time.
func (m *Manager) Run(ctx context.Context, chatID, targetUserID, targetDeviceID string) error {
	key := jobKey(chatID, targetUserID, targetDeviceID)
	m.mu.Lock()
	if m.running[key] {
		m.mu.Unlock()
		log.Debug("repair job already in flight, trigger dropped", zap.String("job", key))
		return nil
	}
	m.running[key] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, key)
		m.mu.Unlock()
	}()

	log.Info("repair job started",
		zap.String("chat_id", chatID),
		zap.String("target_user_id", targetUserID),
		zap.String("target_device_id", targetDeviceID))

	var repaired, skipped int
	before := ""
	for {
		page, err := m.apiClient.GetMessages(ctx, chatID, m.cfg.PageSize, before, m.cfg.DeviceID, m.cfg.Token)
		if err != nil {
			return fmt.Errorf("repair pagination for chat %s: %w", chatID, err)
		}

		for _, wire := range page.Messages {
			if wire.SenderID != m.cfg.SelfUserID {
				continue
			}
			if model.HasRecipient(wire.Envelopes, targetUserID, targetDeviceID) {
				continue
			}

			plain, ok := m.engine.DecryptMessage(chatID, wire.Envelopes)
			if !ok {
				log.Warn("repair cannot decrypt own message, skipped",
					zap.String("message_id", wire.ID))
				skipped++
				continue
			}

			env, err := m.engine.EncryptForRecipient(ctx, chatID, plain, targetUserID, targetDeviceID, m.cfg.Token)
			if err != nil {
				log.Warn("repair re-encryption failed, skipped",
					zap.String("message_id", wire.ID),
					zap.Error(err))
				skipped++
				continue
			}
			if err := m.apiClient.AppendEnvelopes(ctx, wire.ID, []model.Envelope{*env}, m.cfg.Token); err != nil {
				log.Warn("repair envelope append rejected, skipped",
					zap.String("message_id", wire.ID),
					zap.Error(err))
				skipped++
				continue
			}
			repaired++
		}

		if !page.HasMore || page.NextCursor == "" {
			break
		}
		before = page.NextCursor
	}

	log.Info("repair job finished",
		zap.String("chat_id", chatID),
		zap.String("target_user_id", targetUserID),
		zap.Int("repaired", repaired),
		zap.Int("skipped", skipped))
	return nil
}
