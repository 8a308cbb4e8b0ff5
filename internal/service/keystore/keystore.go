package keystore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"sealchat/internal/cryptographic/dh"
	"sealchat/internal/cryptographic/encryption"
	"sealchat/internal/model"
	"sealchat/internal/service/api"
	"sealchat/internal/utils/log"

	"go.uber.org/zap"

	"sync"
)

const (
	storeKeyPublic  = "identity.public_key"
	storeKeyPrivate = "identity.private_key"
	storeKeyVersion = "identity.key_version"
)

type (
	Config struct {
		// Iterations for the PBKDF2 backup wrap. Values below the floor are
		// lifted to encryption.MinPBKDF2Iterations.
		Iterations int
	}

	// KeyStore owns the local device identity: its generation, at-rest
	// persistence through the SecureStore collaborator, and the
	// passphrase-wrapped server backup.
	KeyStore struct {
		store      SecureStore
		apiClient  *api.Client
		deviceID   string
		iterations int

		mu     sync.Mutex
		cached *model.Identity
	}
)

func New(store SecureStore, apiClient *api.Client, deviceID string, cfg Config) *KeyStore {
	iterations := cfg.Iterations
	if iterations < encryption.MinPBKDF2Iterations {
		iterations = encryption.MinPBKDF2Iterations
	}
	return &KeyStore{
		store:      store,
		apiClient:  apiClient,
		deviceID:   deviceID,
		iterations: iterations,
	}
}

// EnsureIdentity returns the local identity or ErrIdentityMissing. It never
// generates one as a side effect; that is Bootstrap's job.
func (k *KeyStore) EnsureIdentity() (*model.Identity, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.loadLocked()
}

func (k *KeyStore) loadLocked() (*model.Identity, error) {
	if k.cached != nil {
		return k.cached, nil
	}

	pub, okPub, err := k.store.Get(storeKeyPublic)
	if err != nil {
		return nil, fmt.Errorf("secure store read: %w", err)
	}
	priv, okPriv, err := k.store.Get(storeKeyPrivate)
	if err != nil {
		return nil, fmt.Errorf("secure store read: %w", err)
	}
	if !okPub || !okPriv {
		return nil, ErrIdentityMissing
	}

	pubBytes, err := base64.StdEncoding.DecodeString(pub)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	privBytes, err := base64.StdEncoding.DecodeString(priv)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(pubBytes) != model.KeySize || len(privBytes) != model.KeySize {
		return nil, fmt.Errorf("persisted identity has invalid key length")
	}

	version := uint32(1)
	if v, ok, err := k.store.Get(storeKeyVersion); err == nil && ok {
		if parsed, err := strconv.ParseUint(v, 10, 32); err == nil {
			version = uint32(parsed)
		}
	}

	k.cached = &model.Identity{
		PublicKey:  pubBytes,
		PrivateKey: privBytes,
		KeyVersion: version,
	}
	return k.cached, nil
}

func (k *KeyStore) persistLocked(id *model.Identity) error {
	if err := k.store.Set(storeKeyPublic, base64.StdEncoding.EncodeToString(id.PublicKey)); err != nil {
		return fmt.Errorf("persist public key: %w", err)
	}
	if err := k.store.Set(storeKeyPrivate, base64.StdEncoding.EncodeToString(id.PrivateKey)); err != nil {
		return fmt.Errorf("persist private key: %w", err)
	}
	if err := k.store.Set(storeKeyVersion, strconv.FormatUint(uint64(id.KeyVersion), 10)); err != nil {
		return fmt.Errorf("persist key version: %w", err)
	}
	k.cached = id
	return nil
}

// Bootstrap establishes the local identity. Restore order: local store, then
// the server-held encrypted bundle, then fresh generation with upload and
// device registration. Idempotent: re-invoking after success performs only
// the upload step.
func (k *KeyStore) Bootstrap(ctx context.Context, password, token string) (*model.Identity, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	identity, err := k.loadLocked()
	switch {
	case err == nil:
		// Local identity exists; make sure the server holds a bundle.
		if err := k.uploadBundleLocked(ctx, identity, password, token); err != nil {
			return nil, err
		}
		return identity, nil
	case !errors.Is(err, ErrIdentityMissing):
		return nil, err
	}

	bundle, err := k.apiClient.UnlockIdentityBundle(ctx, password, token)
	switch {
	case err == nil:
		return k.restoreLocked(bundle, password)
	case errors.Is(err, api.ErrNotFound):
		return k.generateLocked(ctx, password, token)
	default:
		return nil, fmt.Errorf("fetch identity bundle: %w", err)
	}
}

func (k *KeyStore) restoreLocked(bundle *model.IdentityBundle, password string) (*model.Identity, error) {
	privateKey, err := encryption.UnwrapSecret(password, bundle.Salt, bundle.Nonce, bundle.EncryptedPrivateKey, bundle.Iterations)
	if err != nil {
		log.Warn("identity bundle failed to decrypt", zap.Error(err))
		return nil, ErrBundleCorrupt
	}
	if len(privateKey) != model.KeySize || len(bundle.PublicKey) != model.KeySize {
		return nil, ErrBundleCorrupt
	}

	identity := &model.Identity{
		PublicKey:  bundle.PublicKey,
		PrivateKey: privateKey,
		KeyVersion: bundle.Version,
	}
	if err := k.persistLocked(identity); err != nil {
		return nil, err
	}
	log.Info("identity restored from server bundle", zap.Uint32("key_version", identity.KeyVersion))
	return identity, nil
}

func (k *KeyStore) generateLocked(ctx context.Context, password, token string) (*model.Identity, error) {
	priv, pub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}

	identity := &model.Identity{
		PublicKey:  pub[:],
		PrivateKey: priv[:],
		KeyVersion: 1,
	}
	if err := k.persistLocked(identity); err != nil {
		return nil, err
	}

	if err := k.uploadBundleLocked(ctx, identity, password, token); err != nil {
		return nil, err
	}
	if err := k.apiClient.RegisterDevice(ctx, k.deviceID, identity.PublicKey, identity.KeyVersion, token); err != nil {
		return nil, fmt.Errorf("register device key: %w", err)
	}

	log.Info("generated fresh identity",
		zap.String("device_id", k.deviceID),
		zap.Uint32("key_version", identity.KeyVersion))
	return identity, nil
}

func (k *KeyStore) uploadBundleLocked(ctx context.Context, identity *model.Identity, password, token string) error {
	salt, err := encryption.NewSalt()
	if err != nil {
		return err
	}
	nonce, wrapped, err := encryption.WrapSecret(password, identity.PrivateKey, salt, k.iterations)
	if err != nil {
		return fmt.Errorf("wrap private key: %w", err)
	}

	bundle := &model.IdentityBundle{
		PublicKey:           identity.PublicKey,
		EncryptedPrivateKey: wrapped,
		Nonce:               nonce,
		Salt:                salt,
		Iterations:          k.iterations,
		Version:             identity.KeyVersion,
	}
	if err := k.apiClient.UploadIdentityBundle(ctx, bundle, token); err != nil {
		return fmt.Errorf("upload identity bundle: %w", err)
	}
	return nil
}

// ResetIdentity irreversibly erases all persisted identity fields, atomically
// with respect to concurrent EnsureIdentity calls. Used on logout.
func (k *KeyStore) ResetIdentity() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, key := range []string{storeKeyPrivate, storeKeyPublic, storeKeyVersion} {
		if err := k.store.Delete(key); err != nil {
			return fmt.Errorf("erase %s: %w", key, err)
		}
	}
	k.cached = nil
	log.Info("local identity erased")
	return nil
}
