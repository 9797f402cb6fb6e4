package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	nonceSize  = 12
	gcmTagSize = 16
)

// ErrDecrypt distinguishes authentication failures (tampered or foreign
// blobs) from I/O problems.
var ErrDecrypt = errors.New("decryption failed")

// seal encrypts plaintext with AES-256-GCM under key. The returned blob is
// nonce || ciphertext || tag, the on-disk format for credential files.
func seal(key Secret, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a nonce||ciphertext||tag blob. Any modification of the blob
// fails with ErrDecrypt.
func open(key Secret, blob []byte) ([]byte, error) {
	if len(blob) < nonceSize+gcmTagSize {
		return nil, fmt.Errorf("%w: blob too short (%d bytes)", ErrDecrypt, len(blob))
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

func newGCM(key Secret) (cipher.AEAD, error) {
	if key.IsEmpty() {
		return nil, errors.New("master key unavailable")
	}
	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
