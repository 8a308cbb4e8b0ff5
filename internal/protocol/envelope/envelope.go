// Package envelope implements the per-recipient encryption scheme: one
// plaintext message becomes N independent ciphertexts, one per recipient
// identity, each sealed under a pairwise key derived from X25519 agreement
// and HKDF-SHA256. The pairwise key is static for the lifetime of a chat and
// refreshed only when identities change; there is deliberately no ratchet.
package envelope

import (
	"context"
	"errors"
	"fmt"

	"sealchat/internal/cryptographic/dh"
	"sealchat/internal/cryptographic/encryption"
	"sealchat/internal/cryptographic/kdf"
	"sealchat/internal/model"
	"sealchat/internal/service/keyresolver"
	"sealchat/internal/service/keystore"
	"sealchat/internal/utils/log"

	"go.uber.org/zap"
)

const (
	// AlgorithmID is recorded on every envelope so future schemes can
	// coexist with old ciphertexts.
	AlgorithmID = "xchacha20poly1305"

	// FormatVersion of the envelope layout.
	FormatVersion = 1

	// protocolContext prefixes the HKDF info string, binding derived keys to
	// this protocol and chat: info = "sealchat/v1:<chatId>".
	protocolContext = "sealchat/v1"
)

// ErrNoEnvelopes means not a single recipient key could be resolved, so the
// send has nothing to transmit.
var ErrNoEnvelopes = errors.New("no envelopes could be produced")

type (
	// Engine transforms plaintext into per-recipient envelope sets and back.
	Engine struct {
		keys     *keystore.KeyStore
		resolver *keyresolver.Resolver
	}
)

func NewEngine(keys *keystore.KeyStore, resolver *keyresolver.Resolver) *Engine {
	return &Engine{keys: keys, resolver: resolver}
}

// chatKey derives the pairwise symmetric key for (sharedSecret, chatID).
// Deterministic on purpose: the same pair always yields the same key, making
// the HKDF output itself the per-conversation pairwise key. Salt is all-zero
// at key length per the protocol definition.
func chatKey(sharedSecret []byte, chatID string) ([]byte, error) {
	key := make([]byte, model.KeySize)
	salt := make([]byte, model.KeySize)
	info := []byte(protocolContext + ":" + chatID)
	if _, err := kdf.HKDF(sharedSecret, salt, info, key); err != nil {
		return nil, fmt.Errorf("derive chat key: %w", err)
	}
	return key, nil
}

// EncryptForRecipients seals plaintext for the union of recipients and self,
// deduplicated. A recipient whose key cannot be resolved is skipped and
// logged; it never blocks the other recipients' envelopes.
func (e *Engine) EncryptForRecipients(ctx context.Context, chatID string, plaintext []byte, recipientUserIDs []string, selfUserID, token string) ([]model.Envelope, error) {
	identity, err := e.keys.EnsureIdentity()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	targets := make([]string, 0, len(recipientUserIDs)+1)
	for _, userID := range append(append([]string{}, recipientUserIDs...), selfUserID) {
		if userID == "" || seen[userID] {
			continue
		}
		seen[userID] = true
		targets = append(targets, userID)
	}

	envelopes := make([]model.Envelope, 0, len(targets))
	for _, userID := range targets {
		var recipientKey []byte
		if userID == selfUserID {
			// Self-sync envelope: no network round-trip.
			recipientKey = identity.PublicKey
		} else {
			info, err := e.resolver.GetPublicKey(ctx, userID, token)
			if err != nil {
				log.Warn("skipping recipient without resolvable key",
					zap.String("user_id", userID),
					zap.String("chat_id", chatID),
					zap.Error(err))
				continue
			}
			recipientKey = info.PublicKey
		}

		env, err := e.seal(identity, chatID, plaintext, userID, recipientKey)
		if err != nil {
			log.Warn("envelope seal failed",
				zap.String("user_id", userID),
				zap.String("chat_id", chatID),
				zap.Error(err))
			continue
		}
		envelopes = append(envelopes, *env)
	}

	if len(envelopes) == 0 {
		return nil, ErrNoEnvelopes
	}
	return envelopes, nil
}

// EncryptForRecipient seals one envelope for a single target, forcing a fresh
// key lookup that bypasses the cache. This is the repair path.
func (e *Engine) EncryptForRecipient(ctx context.Context, chatID string, plaintext []byte, targetUserID, targetDeviceID, token string) (*model.Envelope, error) {
	identity, err := e.keys.EnsureIdentity()
	if err != nil {
		return nil, err
	}
	info, err := e.resolver.Refresh(ctx, targetUserID, token)
	if err != nil {
		return nil, err
	}
	env, err := e.seal(identity, chatID, plaintext, targetUserID, info.PublicKey)
	if err != nil {
		return nil, err
	}
	env.RecipientDevice = targetDeviceID
	return env, nil
}

func (e *Engine) seal(identity *model.Identity, chatID string, plaintext []byte, recipientID string, recipientKey []byte) (*model.Envelope, error) {
	if len(recipientKey) != model.KeySize {
		return nil, fmt.Errorf("recipient key has invalid length %d", len(recipientKey))
	}

	shared, err := dh.X25519SharedSecret([32]byte(identity.PrivateKey), [32]byte(recipientKey))
	if err != nil {
		return nil, fmt.Errorf("key agreement with %s: %w", recipientID, err)
	}
	key, err := chatKey(shared, chatID)
	if err != nil {
		return nil, err
	}

	nonce, payload, err := encryption.AEADEncrypt(key, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("seal for %s: %w", recipientID, err)
	}

	return &model.Envelope{
		RecipientID:       recipientID,
		Payload:           payload,
		Nonce:             nonce,
		KeyVersion:        identity.KeyVersion,
		AlgorithmID:       AlgorithmID,
		SenderIdentityKey: identity.PublicKey,
		FormatVersion:     FormatVersion,
	}, nil
}

// DecryptMessage walks an envelope set and returns the first plaintext that
// opens. A missing sender key, malformed nonce, or tag mismatch is silent:
// one bad envelope never blocks trying the others. The false return means
// "undecryptable", which callers must not render as an empty message.
func (e *Engine) DecryptMessage(chatID string, envelopes []model.Envelope) ([]byte, bool) {
	identity, err := e.keys.EnsureIdentity()
	if err != nil {
		return nil, false
	}

	for _, env := range envelopes {
		if len(env.SenderIdentityKey) != model.KeySize {
			continue
		}
		if len(env.Nonce) != encryption.NonceSize || len(env.Payload) == 0 {
			continue
		}

		shared, err := dh.X25519SharedSecret([32]byte(identity.PrivateKey), [32]byte(env.SenderIdentityKey))
		if err != nil {
			continue
		}
		key, err := chatKey(shared, chatID)
		if err != nil {
			continue
		}

		plain, err := encryption.AEADDecrypt(key, env.Nonce, env.Payload, nil)
		if err != nil {
			// Expected for envelopes addressed to other identities.
			continue
		}
		return plain, true
	}
	return nil, false
}
