package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// deterministicReader is a ChaCha20 keystream used as a replayable randomness source
type deterministicReader struct {
	mu     sync.Mutex
	stream *chacha20.Cipher
}

// NewDeterministicReader returns a reader producing the keystream keyed by
// HKDF-SHA256(seed, label). Readers built from the same seed and label yield
// the same bytes. It is safe for concurrent use.
func NewDeterministicReader(seed []byte, label string) (io.Reader, error) {
	key := make([]byte, chacha20.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, []byte(label)), key); err != nil {
		return nil, fmt.Errorf("failed to derive stream key: %v", err)
	}

	stream, err := chacha20.NewUnauthenticatedCipher(key, make([]byte, chacha20.NonceSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create keystream: %v", err)
	}
	return &deterministicReader{stream: stream}, nil
}

func (r *deterministicReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(p)
	r.stream.XORKeyStream(p, p)
	return len(p), nil
}
