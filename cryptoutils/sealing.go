package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const sealSaltSize = 16

// SealWithKey encrypts data under a key derived from the sealing key
// material with argon2id. The output carries the salt and nonce, so
// OpenWithKey needs only the same sealing key.
//
// Format: [salt (16 bytes)][nonce (12 bytes)][ciphertext].
func SealWithKey(sealingKey []byte, data []byte) ([]byte, error) {
	if len(sealingKey) == 0 {
		return nil, errors.New("empty sealing key")
	}

	salt := make([]byte, sealSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	aesGCM, err := sealCipher(sealingKey, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aesGCM.Seal(nil, nonce, data, nil)

	result := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	result = append(result, salt...)
	result = append(result, nonce...)
	result = append(result, ciphertext...)
	return result, nil
}

// OpenWithKey decrypts data sealed with SealWithKey using the same
// sealing key material.
func OpenWithKey(sealingKey []byte, sealed []byte) ([]byte, error) {
	if len(sealed) < sealSaltSize+12 {
		return nil, errors.New("sealed data too short")
	}

	salt := sealed[:sealSaltSize]

	aesGCM, err := sealCipher(sealingKey, salt)
	if err != nil {
		return nil, err
	}

	nonceSize := aesGCM.NonceSize()
	if len(sealed) < sealSaltSize+nonceSize {
		return nil, errors.New("sealed data has invalid format")
	}

	nonce := sealed[sealSaltSize : sealSaltSize+nonceSize]
	ciphertext := sealed[sealSaltSize+nonceSize:]

	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal: %w", err)
	}

	return plaintext, nil
}

func sealCipher(sealingKey, salt []byte) (cipher.AEAD, error) {
	derived := argon2.IDKey(sealingKey, salt, 1, 64*1024, 4, 32)

	aesBlock, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return cipher.NewGCM(aesBlock)
}
