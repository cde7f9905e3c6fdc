// internal/utils/crypto.go
package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const secretPrefix = "enc:v1:"

// sealing parameters; salt and nonce travel with the ciphertext
const (
	saltSize = 16
	keySize  = 32
)

func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, keySize)
}

// SealSecret encrypts plaintext with a key derived from passphrase (scrypt + AES-GCM).
// The result is prefixed so IsSealed can tell sealed values from plain ones.
func SealSecret(plaintext, passphrase string) (string, error) {
	if passphrase == "" {
		return "", fmt.Errorf("passphrase required")
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	out := append(salt, nonce...)
	out = gcm.Seal(out, nonce, []byte(plaintext), nil)
	return secretPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// OpenSecret reverses SealSecret.
func OpenSecret(sealed, passphrase string) (string, error) {
	if !IsSealed(sealed) {
		return "", fmt.Errorf("value is not sealed")
	}
	raw, err := base64.StdEncoding.DecodeString(sealed[len(secretPrefix):])
	if err != nil {
		return "", err
	}
	if len(raw) < saltSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	key, err := deriveKey(passphrase, raw[:saltSize])
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	rest := raw[saltSize:]
	if len(rest) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, body := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// IsSealed reports whether v was produced by SealSecret.
func IsSealed(v string) bool {
	return len(v) > len(secretPrefix) && v[:len(secretPrefix)] == secretPrefix
}
