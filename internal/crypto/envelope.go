// Package crypto implements envelope encryption for per-field secrets
// such as instance connection URLs and admin passwords. A random
// 256-bit data-encryption key (DEK) seals the payload; the master key
// wraps the DEK. Both layers use ChaCha20-Poly1305 with 96-bit nonces.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// EnvelopeVersion is the only version this code reads or writes.
	// Decoders reject anything else rather than guessing.
	EnvelopeVersion = "v1"

	// MasterKeyEnv holds the base64 (or raw 32-byte) master key.
	MasterKeyEnv = "SRE_MASTER_KEY"

	dekSize = chacha20poly1305.KeySize
)

var (
	ErrNoMasterKey        = errors.New("crypto: master key not configured")
	ErrBadMasterKey       = errors.New("crypto: master key must be 32 bytes")
	ErrUnsupportedVersion = errors.New("crypto: unsupported envelope version")
	ErrMalformedEnvelope  = errors.New("crypto: malformed envelope")
)

// envelope is the wire format, serialized as base64(JSON).
type envelope struct {
	Version    string `json:"version"`
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	WrappedDEK string `json:"wrapped_dek"`
	DEKNonce   string `json:"dek_nonce"`
}

// Encryptor seals and opens envelopes under a fixed master key.
type Encryptor struct {
	master []byte
}

// New builds an Encryptor from a 32-byte master key.
func New(master []byte) (*Encryptor, error) {
	if len(master) != chacha20poly1305.KeySize {
		return nil, ErrBadMasterKey
	}
	key := make([]byte, len(master))
	copy(key, master)
	return &Encryptor{master: key}, nil
}

// NewFromEnv builds an Encryptor from SRE_MASTER_KEY. The value may be
// standard base64 of 32 bytes or the raw 32-byte string.
func NewFromEnv() (*Encryptor, error) {
	raw := os.Getenv(MasterKeyEnv)
	if raw == "" {
		return nil, ErrNoMasterKey
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) == chacha20poly1305.KeySize {
		return New(decoded)
	}
	return New([]byte(raw))
}

// Encrypt seals plaintext into a fresh envelope. Every call generates a
// new DEK and new nonces, so identical plaintexts never produce
// identical envelopes.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return "", fmt.Errorf("crypto: generate dek: %w", err)
	}

	dataAEAD, err := chacha20poly1305.New(dek)
	if err != nil {
		return "", fmt.Errorf("crypto: data cipher: %w", err)
	}
	nonce := make([]byte, dataAEAD.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: data nonce: %w", err)
	}
	ciphertext := dataAEAD.Seal(nil, nonce, []byte(plaintext), nil)

	masterAEAD, err := chacha20poly1305.New(e.master)
	if err != nil {
		return "", fmt.Errorf("crypto: master cipher: %w", err)
	}
	dekNonce := make([]byte, masterAEAD.NonceSize())
	if _, err := rand.Read(dekNonce); err != nil {
		return "", fmt.Errorf("crypto: dek nonce: %w", err)
	}
	wrapped := masterAEAD.Seal(nil, dekNonce, dek, nil)

	env := envelope{
		Version:    EnvelopeVersion,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		WrappedDEK: base64.StdEncoding.EncodeToString(wrapped),
		DEKNonce:   base64.StdEncoding.EncodeToString(dekNonce),
	}
	blob, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("crypto: marshal envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens an envelope produced by Encrypt. Decryption failures
// are returned, never downgraded to plaintext.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrMalformedEnvelope
	}
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return "", ErrMalformedEnvelope
	}
	if env.Version != EnvelopeVersion {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedVersion, env.Version)
	}

	wrapped, err := base64.StdEncoding.DecodeString(env.WrappedDEK)
	if err != nil {
		return "", ErrMalformedEnvelope
	}
	dekNonce, err := base64.StdEncoding.DecodeString(env.DEKNonce)
	if err != nil {
		return "", ErrMalformedEnvelope
	}
	masterAEAD, err := chacha20poly1305.New(e.master)
	if err != nil {
		return "", fmt.Errorf("crypto: master cipher: %w", err)
	}
	dek, err := masterAEAD.Open(nil, dekNonce, wrapped, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: unwrap dek: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", ErrMalformedEnvelope
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return "", ErrMalformedEnvelope
	}
	dataAEAD, err := chacha20poly1305.New(dek)
	if err != nil {
		return "", fmt.Errorf("crypto: data cipher: %w", err)
	}
	plaintext, err := dataAEAD.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: open payload: %w", err)
	}
	return string(plaintext), nil
}

// IsEnvelope reports whether a stored value looks like an envelope.
// Legacy rows may hold plaintext; callers use this to decide whether a
// plaintext-read warning applies.
func IsEnvelope(value string) bool {
	blob, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return false
	}
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return false
	}
	return env.Version != "" && env.Ciphertext != ""
}
