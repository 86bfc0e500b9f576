package vault

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingon-wallet/internal/chain"
	"github.com/klingon-exchange/klingon-wallet/internal/storage"
	"github.com/klingon-exchange/klingon-wallet/internal/walleterr"
)

// Test mnemonic (DO NOT USE FOR REAL FUNDS)
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// Cheap KDF parameters keep the tests fast.
var testKDF = KDFParams{Time: 1, Memory: 1024, Parallelism: 1}

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return v, nil
}

func (m *memKV) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	return nil
}

func (m *memKV) Delete(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.data[key]
	delete(m.data, key)
	return ok, nil
}

func newTestManager(t *testing.T) (*Manager, *memKV) {
	t.Helper()
	kv := newMemKV()
	return NewManager(NewSecureStore(kv, []byte("device-key"), testKDF)), kv
}

func TestSealOpen(t *testing.T) {
	sealed, err := Seal([]byte("secret"), []byte("pw"), testKDF)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed.Ciphertext), "secret")

	plain, err := Open(sealed, []byte("pw"))
	require.NoError(t, err)
	assert.Equal(t, "secret", string(plain))

	_, err = Open(sealed, []byte("wrong"))
	assert.ErrorIs(t, err, ErrWrongPassword)

	_, err = Seal([]byte("x"), nil, testKDF)
	assert.Error(t, err)
}

func TestSecureStoreNeverWritesPlaintext(t *testing.T) {
	m, kv := newTestManager(t)
	_, err := m.Create(testMnemonic, "", 0)
	require.NoError(t, err)

	raw := kv.data[recordKey]
	require.NotEmpty(t, raw)
	assert.NotContains(t, string(raw), "abandon")
}

func TestLoadBeforeOnboarding(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Load()
	assert.True(t, errors.Is(err, walleterr.ErrVaultUnavailable))

	exists, err := m.Exists()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCreateAndLoad(t *testing.T) {
	m, _ := newTestManager(t)
	created, err := m.Create("  abandon abandon abandon abandon abandon abandon\nabandon abandon abandon abandon abandon about ", "pass", 2)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	v, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, testMnemonic, v.Mnemonic)
	assert.Equal(t, "pass", v.Passphrase)
	assert.Equal(t, uint32(2), v.AccountIndex)

	_, err = m.Create(testMnemonic, "", 0)
	assert.ErrorIs(t, err, ErrVaultExists)
}

func TestCreateRejectsInvalidMnemonic(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Create("not a real mnemonic", "", 0)
	assert.ErrorIs(t, err, ErrInvalidMnemonic)
}

func TestMalformedRecord(t *testing.T) {
	m, kv := newTestManager(t)
	store := NewSecureStore(kv, []byte("device-key"), testKDF)
	require.NoError(t, store.Set(recordKey, map[string]any{"mnemonic": "", "accountIndex": 0}))

	_, err := m.Load()
	assert.True(t, walleterr.IsKind(err, walleterr.MnemonicMissing))

	require.NoError(t, store.Set(recordKey, map[string]any{"mnemonic": 42}))
	_, err = m.Load()
	assert.True(t, walleterr.IsKind(err, walleterr.MnemonicMissing))
}

func TestStorageUnavailable(t *testing.T) {
	m, kv := newTestManager(t)
	kv.err = errors.New("disk I/O error")

	_, err := m.Load()
	assert.True(t, walleterr.IsKind(err, walleterr.SecureStorageUnavailable))
}

func TestWrongDeviceKeyIsUnavailable(t *testing.T) {
	m, kv := newTestManager(t)
	_, err := m.Create(testMnemonic, "", 0)
	require.NoError(t, err)

	other := NewManager(NewSecureStore(kv, []byte("other-key"), testKDF))
	_, err = other.Load()
	assert.True(t, walleterr.IsKind(err, walleterr.SecureStorageUnavailable))
}

func TestAdvanceCounters(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Create(testMnemonic, "", 0)
	require.NoError(t, err)

	cs, err := m.AdvanceExternal(chain.Bitcoin)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), cs.ExternalAddressIndex)

	cs, err = m.AdvanceExternal(chain.Bitcoin)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), cs.ExternalAddressIndex)
	assert.Zero(t, cs.InternalAddressIndex)

	v, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, cs, v.Chain(chain.Bitcoin))
	assert.Equal(t, ChainState{}, v.Chain(chain.Solana))
}

func TestConcurrentAdvanceIsSerialized(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Create(testMnemonic, "", 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.AdvanceExternal(chain.Ethereum)
		}()
	}
	wg.Wait()

	v, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, uint32(10), v.Chain(chain.Ethereum).ExternalAddressIndex)
}

func TestAccountIndexFrozenAfterUse(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Create(testMnemonic, "", 0)
	require.NoError(t, err)

	require.NoError(t, m.SetAccountIndex(1))
	_, err = m.AdvanceExternal(chain.Solana)
	require.NoError(t, err)
	assert.ErrorIs(t, m.SetAccountIndex(2), ErrAccountIndexLocked)

	v, _ := m.Load()
	assert.Equal(t, uint32(1), v.AccountIndex)
}

func TestReset(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Create(testMnemonic, "", 0)
	require.NoError(t, err)
	require.NoError(t, m.Reset())

	_, err = m.Load()
	assert.True(t, walleterr.IsKind(err, walleterr.VaultUnavailable))
	require.NoError(t, m.Reset())
}

func TestSQLiteBackedStore(t *testing.T) {
	db, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer db.Close()

	m := NewManager(NewSecureStore(db, []byte("device-key"), testKDF))
	_, err = m.Create(testMnemonic, "", 0)
	require.NoError(t, err)

	v, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, testMnemonic, v.Mnemonic)
}
