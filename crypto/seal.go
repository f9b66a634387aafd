package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	sealKeySize    = 32
	nonceSize      = 12
	commitmentSize = 32
)

// ErrCorruptRecord is returned when a stored record fails its commitment or
// authentication check
var ErrCorruptRecord = errors.New("crypto: corrupt record")

// DeriveKeyHKDFWithCommitment derives an encryption key and a key commitment using HKDF with SHA-512
func DeriveKeyHKDFWithCommitment(userKey, salt []byte, info string) (encryptionKey, commitmentKey []byte, err error) {
	derived := make([]byte, sealKeySize+commitmentSize)
	if _, err := io.ReadFull(hkdf.New(sha512.New, userKey, salt, []byte(info)), derived); err != nil {
		return nil, nil, fmt.Errorf("failed to derive key using HKDF: %v", err)
	}
	return derived[:sealKeySize], derived[sealKeySize:], nil
}

// sealRecord encrypts a storage record under sealKey. The label is bound both
// into the key derivation and as additional data, so a record cannot be
// replayed under a different storage key.
// Layout: nonce || commitment || ciphertext.
func sealRecord(sealKey []byte, label string, plaintext []byte, rnd io.Reader) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rnd, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %v", err)
	}

	encKey, commitment, err := DeriveKeyHKDFWithCommitment(sealKey, nonce, label)
	if err != nil {
		return nil, err
	}

	aead, err := newGCM(encKey)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, nonceSize+commitmentSize+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, commitment...)
	return aead.Seal(out, nonce, plaintext, []byte(label)), nil
}

// openRecord reverses sealRecord
func openRecord(sealKey []byte, label string, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+commitmentSize {
		return nil, fmt.Errorf("%w: record too short", ErrCorruptRecord)
	}
	nonce := sealed[:nonceSize]
	expected := sealed[nonceSize : nonceSize+commitmentSize]
	ciphertext := sealed[nonceSize+commitmentSize:]

	encKey, commitment, err := DeriveKeyHKDFWithCommitment(sealKey, nonce, label)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(commitment, expected) != 1 {
		return nil, fmt.Errorf("%w: key commitment mismatch", ErrCorruptRecord)
	}

	aead, err := newGCM(encKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(label))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %v", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %v", err)
	}
	return aead, nil
}
