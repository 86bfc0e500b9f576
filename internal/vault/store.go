package vault

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klingon-exchange/klingon-wallet/internal/storage"
	"github.com/klingon-exchange/klingon-wallet/pkg/helpers"
)

// Store errors. ErrStorageUnavailable means the environment failed (database
// unreadable, wrong device key); it is distinct from a key that is simply absent.
var (
	ErrStorageUnavailable = errors.New("secure storage unavailable")
)

// Store is a typed secure key-value store.
type Store interface {
	// Get decodes the value under key into v. It reports false when the key is absent.
	Get(key string, v any) (bool, error)
	// Set encodes and stores v under key.
	Set(key string, v any) error
	// Delete removes key, reporting whether it existed.
	Delete(key string) (bool, error)
}

// KV is the raw byte store underneath a SecureStore.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) (bool, error)
}

// SecureStore seals every value with a device password before it reaches
// the KV backend.
type SecureStore struct {
	kv       KV
	password []byte
	params   KDFParams
}

// NewSecureStore wraps kv. password is the device key protecting all values.
func NewSecureStore(kv KV, password []byte, params KDFParams) *SecureStore {
	return &SecureStore{kv: kv, password: append([]byte(nil), password...), params: params}
}

// Get implements Store.
func (s *SecureStore) Get(key string, v any) (bool, error) {
	raw, err := s.kv.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	var sealed Sealed
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return false, fmt.Errorf("%w: corrupt record %s: %v", ErrStorageUnavailable, key, err)
	}

	plaintext, err := Open(&sealed, s.password)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer helpers.Zero(plaintext)

	if err := json.Unmarshal(plaintext, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// Set implements Store.
func (s *SecureStore) Set(key string, v any) error {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	defer helpers.Zero(plaintext)

	sealed, err := Seal(plaintext, s.password, s.params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	raw, err := json.Marshal(sealed)
	if err != nil {
		return err
	}
	if err := s.kv.Set(key, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Delete implements Store.
func (s *SecureStore) Delete(key string) (bool, error) {
	removed, err := s.kv.Delete(key)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return removed, nil
}

var _ Store = (*SecureStore)(nil)
