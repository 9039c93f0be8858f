// Package secrets implements the symmetric envelope used to store credentials
// at rest.
//
// Ciphertext format: the magic prefix "ORPX1:" followed by
// base64(nonce || AES-256-GCM ciphertext). The prefix lets IsEncrypted
// distinguish envelope values from legacy plaintext entries, which are
// accepted for one migration cycle and re-written encrypted on the next save.
//
// The key is 32 random bytes stored in a 0600 file next to the settings
// document, created on first use. It never leaves the machine.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// magicPrefix marks a value as envelope ciphertext.
const magicPrefix = "ORPX1:"

const keySize = 32

// Envelope encrypts and decrypts UTF-8 secrets with a machine-local key.
// Safe for concurrent use; the AEAD is constructed once.
type Envelope struct {
	aead cipher.AEAD
	log  *slog.Logger
}

// New loads (or creates) the key file at keyPath and returns a ready Envelope.
func New(keyPath string, log *slog.Logger) (*Envelope, error) {
	if log == nil {
		log = slog.Default()
	}

	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		// Only reachable with a corrupt key length, which loadOrCreateKey
		// already rules out.
		panic(fmt.Sprintf("secrets: cipher init: %v", err))
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(fmt.Sprintf("secrets: gcm init: %v", err))
	}

	return &Envelope{aead: aead, log: log}, nil
}

// Encrypt seals plaintext into the envelope format. It never fails for valid
// input; an unreadable entropy source is unrecoverable and panics.
func (e *Envelope) Encrypt(plaintext string) string {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		panic(fmt.Sprintf("secrets: entropy source unavailable: %v", err))
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return magicPrefix + base64.StdEncoding.EncodeToString(sealed)
}

// Decrypt opens an envelope value. Returns "" and logs at warn on any
// integrity or format failure so a corrupt entry degrades to "not configured"
// instead of crashing the host.
func (e *Envelope) Decrypt(ciphertext string) string {
	if ciphertext == "" {
		return ""
	}
	raw, ok := strings.CutPrefix(ciphertext, magicPrefix)
	if !ok {
		e.log.Warn("secrets: value is not envelope ciphertext")
		return ""
	}

	sealed, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		e.log.Warn("secrets: malformed envelope payload", slog.String("error", err.Error()))
		return ""
	}
	if len(sealed) < e.aead.NonceSize() {
		e.log.Warn("secrets: envelope payload too short")
		return ""
	}

	nonce, ct := sealed[:e.aead.NonceSize()], sealed[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		e.log.Warn("secrets: envelope integrity check failed", slog.String("error", err.Error()))
		return ""
	}
	return string(plaintext)
}

// IsEncrypted reports whether blob carries the envelope format. It is a
// format probe only — it does not verify integrity.
func IsEncrypted(blob string) bool {
	raw, ok := strings.CutPrefix(blob, magicPrefix)
	if !ok {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(raw)
	return err == nil
}

// loadOrCreateKey reads the key file, creating it with fresh entropy when
// absent. Rejects keys of the wrong length rather than silently truncating.
func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(key) != keySize {
			return nil, fmt.Errorf("key file %s: want %d bytes, got %d", path, keySize, len(key))
		}
		return key, nil
	case errors.Is(err, os.ErrNotExist):
		// fall through to create
	default:
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key = make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}
