// Package cache implements the file-backed stale-while-revalidate snapshot
// cache and its background refresh scheduler.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-wallet/pkg/logging"
)

// Data kinds cached per asset.
const (
	KindOverview     = "overview"
	KindTransactions = "transactions"
)

// Key identifies one cache document.
type Key struct {
	Asset string
	Kind  string
}

// OverviewKey returns the overview key of an asset.
func OverviewKey(asset string) Key { return Key{Asset: asset, Kind: KindOverview} }

// TransactionsKey returns the transaction-list key of an asset.
func TransactionsKey(asset string) Key { return Key{Asset: asset, Kind: KindTransactions} }

// RateKey returns the exchange-rate key of an asset against a fiat code.
func RateKey(asset, fiat string) Key { return Key{Asset: asset, Kind: strings.ToUpper(fiat) + ".rate"} }

// FileName is "{asset}-{kind}.json".
func (k Key) FileName() string {
	return k.Asset + "-" + k.Kind + ".json"
}

func (k Key) String() string {
	return k.Asset + "/" + k.Kind
}

func (k Key) validate() error {
	if k.Asset == "" || k.Kind == "" {
		return fmt.Errorf("incomplete cache key %q", k)
	}
	if strings.ContainsAny(k.FileName(), `/\`) || strings.Contains(k.FileName(), "..") {
		return fmt.Errorf("invalid cache key %q", k)
	}
	return nil
}

// Document is the on-disk form of a cache entry.
type Document struct {
	TimestampUTC time.Time       `json:"timestampUtc"`
	Payload      json.RawMessage `json:"payload"`
}

// FileStore persists one JSON document per key. Access to a single file is
// serialized; different files are independent.
type FileStore struct {
	dir string
	log *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates the cache directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &FileStore{
		dir:   dir,
		log:   logging.GetDefault().Component("cache"),
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the cache directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the file path of key.
func (s *FileStore) Path(key Key) string {
	return filepath.Join(s.dir, key.FileName())
}

func (s *FileStore) lock(key Key) func() {
	name := key.FileName()
	s.mu.Lock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Read returns the document for key, or nil when the file is absent.
// A file that does not parse is renamed aside and reported as absent.
func (s *FileStore) Read(key Key) (*Document, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	unlock := s.lock(key)
	defer unlock()

	path := s.Path(key)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key.FileName(), err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil || len(doc.Payload) == 0 {
		s.quarantine(path, err)
		return nil, nil
	}
	return &doc, nil
}

// Write stores payload under key stamped with ts.
func (s *FileStore) Write(key Key, payload any, ts time.Time) error {
	if err := key.validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", key, err)
	}
	data, err := json.Marshal(Document{TimestampUTC: ts.UTC(), Payload: raw})
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	unlock := s.lock(key)
	defer unlock()
	return writeAtomic(s.Path(key), data, 0600)
}

// Quarantine renames the file of key aside so the next read is a miss.
func (s *FileStore) Quarantine(key Key, cause error) {
	if key.validate() != nil {
		return
	}
	unlock := s.lock(key)
	defer unlock()
	s.quarantine(s.Path(key), cause)
}

func (s *FileStore) quarantine(path string, cause error) {
	aside := fmt.Sprintf("%s.corrupt.%d", path, time.Now().UnixNano())
	if err := os.Rename(path, aside); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("Failed to move corrupt cache file aside", "path", path, "error", err)
		return
	}
	s.log.Warn("Corrupt cache file moved aside", "path", aside, "error", cause)
}
