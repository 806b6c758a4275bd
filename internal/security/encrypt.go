package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/fernet/fernet-go"
)

// ErrDecrypt is returned when a payload opens under neither the current
// key nor any of the Fernet keys.
var ErrDecrypt = errors.New("failed to decrypt message payload")

// Encryptor seals message text and conversation snippets at rest.
type Encryptor struct {
	gcm    cipher.AEAD
	legacy []*fernet.Key
}

// NewEncryptor hashes secret into an AES-256 key. legacy lists Fernet keys
// whose tokens must stay readable; secret is tried as a Fernet key too.
func NewEncryptor(secret []byte, legacy []string) (*Encryptor, error) {
	if len(secret) == 0 {
		return nil, errors.New("encryption key must not be empty")
	}
	digest := sha256.Sum256(secret)
	block, err := aes.NewCipher(digest[:])
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}

	e := &Encryptor{gcm: gcm}
	for _, candidate := range append([]string{string(secret)}, legacy...) {
		if k, err := fernet.DecodeKey(strings.TrimSpace(candidate)); err == nil {
			e.legacy = append(e.legacy, k)
		}
	}
	return e, nil
}

// Encrypt returns base64(nonce || sealed text). Empty input stays empty so
// media-only messages remain textless.
func (e *Encryptor) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := e.gcm.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt accepts AES-GCM payloads and Fernet tokens of any age.
func (e *Encryptor) Decrypt(payload string) (string, error) {
	if payload == "" {
		return "", nil
	}
	if plain, ok := e.openGCM(payload); ok {
		return plain, nil
	}
	if len(e.legacy) > 0 {
		if plain := fernet.VerifyAndDecrypt([]byte(payload), 0, e.legacy); plain != nil {
			return string(plain), nil
		}
	}
	return "", ErrDecrypt
}

func (e *Encryptor) openGCM(payload string) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	n := e.gcm.NonceSize()
	if err != nil || len(raw) < n+e.gcm.Overhead() {
		return "", false
	}
	plain, err := e.gcm.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", false
	}
	return string(plain), true
}
