package mail

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of a queue sealing key.
const KeySize = chacha20poly1305.KeySize

var errShortCiphertext = errors.New("ciphertext shorter than nonce")

// ParseKey decodes a hex sealing key. An empty string yields a random key,
// which only works while producer and worker share the process.
func ParseKey(s string) ([]byte, error) {
	if s == "" {
		key := make([]byte, KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating queue key: %w", err)
		}
		return key, nil
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding queue key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("queue key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// encryptToken seals plaintext with XChaCha20-Poly1305. Output is nonce || ciphertext.
func encryptToken(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptToken(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errShortCiphertext
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, nil)
}
