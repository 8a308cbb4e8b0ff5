package keystore

import "sync"

// SecureStore is the device's at-rest confidential key/value collaborator.
// Implementations must guarantee confidentiality on the device; the library
// only assumes get/set/delete by string key.
type SecureStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// MemorySecureStore is the in-process SecureStore used by tests and the demo
// client. Not confidential at rest; never ship it as the real store.
type MemorySecureStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemorySecureStore() *MemorySecureStore {
	return &MemorySecureStore{values: make(map[string]string)}
}

func (s *MemorySecureStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemorySecureStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemorySecureStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
