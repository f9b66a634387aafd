package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
)

// Signer produces signatures over byte strings
type Signer interface {
	Sign(data []byte) ([]byte, error)
	Verify(data []byte, signature []byte) bool
	PublicKey() []byte
	AlgorithmName() string
}

// Provider bundles the storage, crypto and randomness services of one party.
// A provider is never shared between parties.
type Provider struct {
	Storage *KeyStore
	Crypto  Crypto
	Rand    io.Reader
}

// NewProvider returns a provider backed by an in-memory store and the OS random source
func NewProvider() *Provider {
	p, err := newProvider(rand.Reader)
	if err != nil {
		panic(fmt.Sprintf("crypto: default provider: %v", err))
	}
	return p
}

// NewDeterministicProvider returns a provider whose randomness is a keystream
// derived from seed and label, so that a scenario can be replayed exactly.
func NewDeterministicProvider(seed []byte, label string) (*Provider, error) {
	r, err := NewDeterministicReader(seed, label)
	if err != nil {
		return nil, err
	}
	return newProvider(r)
}

func newProvider(r io.Reader) (*Provider, error) {
	sealKey := make([]byte, sealKeySize)
	if _, err := io.ReadFull(r, sealKey); err != nil {
		return nil, fmt.Errorf("failed to draw storage sealing key: %v", err)
	}

	store, err := NewKeyStore(dssync.MutexWrap(datastore.NewMapDatastore()), sealKey, r)
	if err != nil {
		return nil, err
	}

	return &Provider{
		Storage: store,
		Crypto:  Crypto{},
		Rand:    r,
	}, nil
}
