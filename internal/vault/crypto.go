package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/klingon-exchange/klingon-wallet/pkg/helpers"
)

// ErrWrongPassword is returned when a sealed value cannot be opened.
var ErrWrongPassword = errors.New("failed to decrypt (wrong password?)")

// KDFParams are the Argon2id cost parameters.
type KDFParams struct {
	Time        uint32
	Memory      uint32 // KiB
	Parallelism uint8
}

// DefaultKDFParams follow the OWASP recommendation for Argon2id.
var DefaultKDFParams = KDFParams{Time: 3, Memory: 64 * 1024, Parallelism: 4}

const (
	keyLen  = 32 // AES-256
	saltLen = 32
)

// Sealed is an Argon2id + AES-256-GCM encrypted value as persisted.
type Sealed struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// Seal encrypts plaintext under password.
func Seal(plaintext, password []byte, params KDFParams) (*Sealed, error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("empty password")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(password, salt, params)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &Sealed{
		Version:     1,
		Ciphertext:  gcm.Seal(nil, nonce, plaintext, nil),
		Salt:        salt,
		Nonce:       nonce,
		Time:        params.Time,
		Memory:      params.Memory,
		Parallelism: params.Parallelism,
	}, nil
}

// Open decrypts a sealed value. Missing cost parameters fall back to the defaults.
func Open(s *Sealed, password []byte) ([]byte, error) {
	params := KDFParams{Time: s.Time, Memory: s.Memory, Parallelism: s.Parallelism}
	if params.Time == 0 {
		params.Time = DefaultKDFParams.Time
	}
	if params.Memory == 0 {
		params.Memory = DefaultKDFParams.Memory
	}
	if params.Parallelism == 0 {
		params.Parallelism = DefaultKDFParams.Parallelism
	}

	gcm, err := newGCM(password, s.Salt, params)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongPassword, err)
	}
	return plaintext, nil
}

func newGCM(password, salt []byte, params KDFParams) (cipher.AEAD, error) {
	key := argon2.IDKey(password, salt, params.Time, params.Memory, params.Parallelism, keyLen)
	defer helpers.Zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
