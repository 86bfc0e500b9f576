package vault

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/klingon-wallet/internal/chain"
	"github.com/klingon-exchange/klingon-wallet/internal/wallet"
	"github.com/klingon-exchange/klingon-wallet/internal/walleterr"
	"github.com/klingon-exchange/klingon-wallet/pkg/logging"
)

const recordKey = "vault"

// Manager errors.
var (
	ErrVaultExists        = errors.New("a wallet already exists on this device")
	ErrInvalidMnemonic    = errors.New("invalid mnemonic")
	ErrAccountIndexLocked = errors.New("account index cannot change after addresses were derived")
)

// Manager owns the vault record: onboarding, reads, counter updates and reset.
type Manager struct {
	store Store
	mu    sync.Mutex
	log   *logging.Logger
}

// NewManager creates a manager over a secure store.
func NewManager(store Store) *Manager {
	return &Manager{
		store: store,
		log:   logging.GetDefault().Component("vault"),
	}
}

// Exists reports whether onboarding has completed.
func (m *Manager) Exists() (bool, error) {
	var v Vault
	ok, err := m.store.Get(recordKey, &v)
	if errors.Is(err, ErrStorageUnavailable) {
		return false, walleterr.Wrap(walleterr.SecureStorageUnavailable, err, "failed to read vault")
	}
	// A record that exists but does not decode still counts as present.
	return ok || err != nil, nil
}

// Load returns the vault record. VaultUnavailable means no wallet has been
// set up; MnemonicMissing means the record exists but is malformed.
func (m *Manager) Load() (*Vault, error) {
	var v Vault
	ok, err := m.store.Get(recordKey, &v)
	switch {
	case errors.Is(err, ErrStorageUnavailable):
		return nil, walleterr.Wrap(walleterr.SecureStorageUnavailable, err, "failed to read vault")
	case err != nil:
		return nil, walleterr.Wrap(walleterr.MnemonicMissing, err, "vault record is malformed")
	case !ok:
		return nil, walleterr.ErrVaultUnavailable
	}

	if !v.Valid() || !wallet.ValidateMnemonic(v.Mnemonic) {
		return nil, walleterr.ErrMnemonicMissing
	}
	return &v, nil
}

// Create stores a new vault. It refuses to overwrite an existing one.
func (m *Manager) Create(mnemonic, passphrase string, accountIndex uint32) (*Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !wallet.ValidateMnemonic(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	if err := wallet.ValidateAccountIndex(accountIndex); err != nil {
		return nil, err
	}

	exists, err := m.Exists()
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrVaultExists
	}

	v := &Vault{
		ID:           uuid.NewString(),
		Mnemonic:     mnemonic,
		Passphrase:   passphrase,
		AccountIndex: accountIndex,
		Chains:       make(map[chain.Kind]ChainState),
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.Set(recordKey, v); err != nil {
		return nil, walleterr.Wrap(walleterr.SecureStorageUnavailable, err, "failed to store vault")
	}

	m.log.Info("Wallet vault created", "id", v.ID, "account", accountIndex)
	return v, nil
}

// Reset destroys the vault record.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed, err := m.store.Delete(recordKey)
	if err != nil {
		return walleterr.Wrap(walleterr.SecureStorageUnavailable, err, "failed to delete vault")
	}
	if removed {
		m.log.Warn("Wallet vault deleted")
	}
	return nil
}

// AdvanceExternal increments the receive address index of a chain and
// returns the new state.
func (m *Manager) AdvanceExternal(kind chain.Kind) (ChainState, error) {
	return m.updateChain(kind, func(cs *ChainState) { cs.ExternalAddressIndex++ })
}

// SetAccountIndex changes the account index. Once any chain has handed out
// an address the index is frozen, since changing it would silently move
// every derived address.
func (m *Manager) SetAccountIndex(index uint32) error {
	if err := wallet.ValidateAccountIndex(index); err != nil {
		return err
	}
	_, err := m.update(func(v *Vault) error {
		for _, cs := range v.Chains {
			if cs.Used() {
				return ErrAccountIndexLocked
			}
		}
		v.AccountIndex = index
		return nil
	})
	return err
}

func (m *Manager) updateChain(kind chain.Kind, fn func(*ChainState)) (ChainState, error) {
	var out ChainState
	_, err := m.update(func(v *Vault) error {
		if v.Chains == nil {
			v.Chains = make(map[chain.Kind]ChainState)
		}
		cs := v.Chains[kind]
		fn(&cs)
		v.Chains[kind] = cs
		out = cs
		return nil
	})
	return out, err
}

func (m *Manager) update(fn func(*Vault) error) (*Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.Load()
	if err != nil {
		return nil, err
	}
	if err := fn(v); err != nil {
		return nil, err
	}
	if err := m.store.Set(recordKey, v); err != nil {
		return nil, walleterr.Wrap(walleterr.SecureStorageUnavailable, err, fmt.Sprintf("failed to update vault %s", v.ID))
	}
	return v, nil
}
