// Package vault encrypts broker credentials at rest.
//
// Token bundles are sealed with AES-256-GCM. Each encryption draws a fresh
// 96-bit nonce; the stored blob is base64(nonce || ciphertext || tag). The
// 256-bit key is derived from the configured master secret with
// HKDF-SHA256, so the raw secret never touches the cipher directly.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

var (
	// ErrKeyUnavailable means the master secret is missing or unusable.
	ErrKeyUnavailable = errors.New("vault key unavailable")
	// ErrCryptoFailure means a cipher operation failed for reasons other
	// than tampering. Treated as fatal by callers.
	ErrCryptoFailure = errors.New("vault crypto failure")
	// ErrTampered means authentication failed on open: the blob was
	// modified or sealed under a different key.
	ErrTampered = errors.New("vault blob failed authentication")
	// ErrMalformed means the blob is not a valid vault blob at all.
	ErrMalformed = errors.New("vault blob malformed")
)

const (
	keySize   = 32
	nonceSize = 12

	// hkdfInfo binds derived keys to this usage so the same master secret
	// can safely serve other derivations later.
	hkdfInfo = "trademaster/broker-gateway/credential-vault/v1"
)

// Vault seals and opens credential blobs. Safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
	log  zerolog.Logger
}

// New derives the AEAD key from masterSecret and returns a ready vault.
func New(masterSecret string, log zerolog.Logger) (*Vault, error) {
	if masterSecret == "" {
		return nil, ErrKeyUnavailable
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("%w: key derivation: %v", ErrKeyUnavailable, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	return &Vault{
		aead: aead,
		log:  log.With().Str("component", "vault").Logger(),
	}, nil
}

// Encrypt seals plaintext and returns the base64 blob.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrCryptoFailure, err)
	}

	sealed := v.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt.
func (v *Vault) Decrypt(blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding", ErrMalformed)
	}
	if len(raw) < nonceSize+v.aead.Overhead() {
		return nil, fmt.Errorf("%w: blob too short", ErrMalformed)
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		v.log.Warn().Msg("Credential blob failed authentication")
		return nil, ErrTampered
	}
	return plaintext, nil
}

// EncryptTokens seals a token bundle for storage.
func (v *Vault) EncryptTokens(tokens *domain.TokenBundle) (string, error) {
	data, err := json.Marshal(tokens)
	if err != nil {
		return "", fmt.Errorf("%w: marshal tokens: %v", ErrCryptoFailure, err)
	}
	blob, err := v.Encrypt(data)
	zeroBytes(data)
	return blob, err
}

// DecryptTokens opens a stored token bundle. Callers must Zero the bundle
// as soon as the tokens have been used.
func (v *Vault) DecryptTokens(blob string) (*domain.TokenBundle, error) {
	data, err := v.Decrypt(blob)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(data)

	var tokens domain.TokenBundle
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("%w: decode tokens", ErrMalformed)
	}
	return &tokens, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
