// Package keyring implements the symmetric key ring used to encrypt HMAC
// credentials at rest. The configuration provides a mapping
//
//	key_id -> "algorithm:base64-secret"
//
// plus the id of the default key used for new encryptions. Each stored
// identity records which key_id encrypted it, so individual identities can
// be re-encrypted to a newer key without a stop-the-world migration.
//
// Two AEAD algorithms are supported: "aes-gcm" (AES-256-GCM) and
// "chacha20poly1305". Ciphertexts are stored as base64(nonce + sealed), the
// same layout for both algorithms.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Supported algorithm tags, as they appear on the left side of the
// "algorithm:secret" config values and in the identity key_algorithm column.
const (
	AlgorithmAESGCM   = "aes-gcm"
	AlgorithmChaCha20 = "chacha20poly1305"
)

// ErrNoKeys is returned by Decrypt when no key in the ring can open the
// ciphertext.
var ErrNoKeys = errors.New("keyring: no key decrypts this value")

type entry struct {
	algorithm string
	aead      cipher.AEAD
}

// Ring holds the parsed key ring. The zero value is an empty ring that can
// neither encrypt nor decrypt; build instances with New.
type Ring struct {
	keys      map[string]entry
	defaultID string
}

// New parses the configured key ring. Each value must be
// "algorithm:base64-secret" with a 32-byte secret. defaultID selects the key
// used for new encryptions and must name an entry when the ring is non-empty.
// An empty ring (no entries, empty defaultID) is valid and means credentials
// are stored in plaintext.
func New(entries map[string]string, defaultID string) (*Ring, error) {
	r := &Ring{keys: make(map[string]entry, len(entries))}

	for id, value := range entries {
		algorithm, secret, ok := strings.Cut(value, ":")
		if !ok {
			return nil, fmt.Errorf("keyring: key %q: expected \"algorithm:secret\"", id)
		}
		raw, err := base64.StdEncoding.DecodeString(secret)
		if err != nil {
			return nil, fmt.Errorf("keyring: key %q: secret is not valid base64: %w", id, err)
		}
		if len(raw) != 32 {
			return nil, fmt.Errorf("keyring: key %q: secret must be 32 bytes, got %d", id, len(raw))
		}

		aead, err := newAEAD(algorithm, raw)
		if err != nil {
			return nil, fmt.Errorf("keyring: key %q: %w", id, err)
		}
		r.keys[id] = entry{algorithm: algorithm, aead: aead}
	}

	if len(r.keys) > 0 {
		if defaultID == "" {
			return nil, errors.New("keyring: default key id is required when keys are configured")
		}
		if _, ok := r.keys[defaultID]; !ok {
			return nil, fmt.Errorf("keyring: default key %q is not in the ring", defaultID)
		}
		r.defaultID = defaultID
	}

	return r, nil
}

func newAEAD(algorithm string, key []byte) (cipher.AEAD, error) {
	switch algorithm {
	case AlgorithmAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create AES cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case AlgorithmChaCha20:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", algorithm)
	}
}

// Empty reports whether the ring has no keys (plaintext storage mode).
func (r *Ring) Empty() bool { return len(r.keys) == 0 }

// DefaultID returns the id of the key used for new encryptions, or "" when
// the ring is empty.
func (r *Ring) DefaultID() string { return r.defaultID }

// Has reports whether keyID is in the ring.
func (r *Ring) Has(keyID string) bool {
	_, ok := r.keys[keyID]
	return ok
}

// Algorithm returns the algorithm tag of keyID, or "" if unknown.
func (r *Ring) Algorithm(keyID string) string {
	return r.keys[keyID].algorithm
}

// IDs returns the key ids in the ring, sorted for stable output.
func (r *Ring) IDs() []string {
	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Encrypt seals plaintext under the default key and returns the stored form
// base64(nonce + sealed) along with the key id that must be recorded next to
// it. Fails on an empty ring.
func (r *Ring) Encrypt(plaintext []byte) (ciphertext, keyID string, err error) {
	if r.Empty() {
		return "", "", errors.New("keyring: encrypt on empty ring")
	}
	ct, err := r.EncryptWith(r.defaultID, plaintext)
	return ct, r.defaultID, err
}

// EncryptWith seals plaintext under a specific key id.
func (r *Ring) EncryptWith(keyID string, plaintext []byte) (string, error) {
	k, ok := r.keys[keyID]
	if !ok {
		return "", fmt.Errorf("keyring: unknown key id %q", keyID)
	}

	// A fresh nonce per encryption; nonce reuse under the same key breaks
	// both supported AEADs.
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("keyring: generate nonce: %w", err)
	}

	sealed := k.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored ciphertext. keyIDHint is the key_id recorded next
// to the value; when it names a key in the ring only that key is tried. A
// missing or stale hint (empty, or an id no longer in the ring) falls back
// to trying every key, which is the migration path for identities encrypted
// before key ids were recorded.
func (r *Ring) Decrypt(ciphertext, keyIDHint string) ([]byte, error) {
	if r.Empty() {
		return nil, errors.New("keyring: decrypt on empty ring")
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("keyring: ciphertext is not valid base64: %w", err)
	}

	if k, ok := r.keys[keyIDHint]; keyIDHint != "" && ok {
		plaintext, err := open(k.aead, data)
		if err != nil {
			return nil, fmt.Errorf("keyring: decrypt with key %q: %w", keyIDHint, err)
		}
		return plaintext, nil
	}

	for _, id := range r.IDs() {
		if plaintext, err := open(r.keys[id].aead, data); err == nil {
			return plaintext, nil
		}
	}
	return nil, ErrNoKeys
}

func open(aead cipher.AEAD, data []byte) ([]byte, error) {
	if len(data) < aead.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]
	return aead.Open(nil, nonce, sealed, nil)
}

// GenerateSecret returns a fresh random 32-byte secret in the base64 form
// expected on the right side of a key ring entry. Used by the admin CLI's
// security generate-key command.
func GenerateSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("keyring: generate secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
