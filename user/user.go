package user

import (
	"context"
	"crypto/sha256"

	mls "github.com/cisco/go-mls"
	syntax "github.com/cisco/go-tls-syntax"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"silvertiger.com/go/mlsharness/crypto"
)

var (
	// ErrStorage marks failures to persist key material
	ErrStorage = errors.New("user: key material could not be persisted")
	// ErrConsumed is returned when a PreGroup is used a second time
	ErrConsumed = errors.New("user: pre-group credential already consumed")
)

// Party is one simulated participant: a name and the capability provider it
// uses for every group it takes part in
type Party struct {
	name     string
	provider *crypto.Provider
}

// NewParty creates a party with a default provider
func NewParty(name string) *Party {
	return NewPartyWithProvider(name, crypto.NewProvider())
}

// NewPartyWithProvider creates a party that uses p
func NewPartyWithProvider(name string, p *crypto.Provider) *Party {
	return &Party{name: name, provider: p}
}

// Name returns the party's name, which is also its credential identity
func (p *Party) Name() string {
	return p.name
}

// Provider returns the party's capability provider
func (p *Party) Provider() *crypto.Provider {
	return p.provider
}

// PreGroup is the credential, signing key and key package of a party that has
// not yet joined the group it was generated for. It is consumed exactly once,
// by creating or joining a group.
type PreGroup struct {
	party         *Party
	suite         mls.CipherSuite
	credential    *mls.Credential
	keyPackage    mls.KeyPackage
	keyPackageRef []byte
	signer        *crypto.SignatureKeyPair
	consumed      *atomic.Bool
}

// GeneratePreGroup creates a fresh credential, signing key and key package
// for suite. The signing key and the key package's init secret are persisted
// in the party's storage before they are returned.
func (p *Party) GeneratePreGroup(suite mls.CipherSuite) (*PreGroup, error) {
	ctx := context.Background()
	provider := p.provider

	signer, err := provider.Crypto.GenerateSignatureKeyPair(suite, provider.Rand)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to generate signature key for %s", p.name)
	}
	if err := provider.Storage.StoreSignatureKey(ctx, signer); err != nil {
		return nil, errors.Wrapf(ErrStorage, "signature key for %s: %v", p.name, err)
	}

	cred := mls.NewBasicCredential([]byte(p.name), signer.Scheme, signer.Priv.PublicKey)

	initSecret, err := provider.Crypto.RandomSecret(suite, provider.Rand)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to draw init secret for %s", p.name)
	}
	kp, err := mls.NewKeyPackageWithSecret(suite, initSecret, cred, signer.Priv)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create key package for %s", p.name)
	}

	ref, err := KeyPackageRef(*kp)
	if err != nil {
		return nil, err
	}
	if err := provider.Storage.StoreInitSecret(ctx, ref, initSecret); err != nil {
		return nil, errors.Wrapf(ErrStorage, "init secret for %s: %v", p.name, err)
	}

	return &PreGroup{
		party:         p,
		suite:         suite,
		credential:    cred,
		keyPackage:    *kp,
		keyPackageRef: ref,
		signer:        signer,
		consumed:      atomic.NewBool(false),
	}, nil
}

// KeyPackageRef identifies a key package by the hash of its encoding
func KeyPackageRef(kp mls.KeyPackage) ([]byte, error) {
	data, err := syntax.Marshal(kp)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode key package")
	}
	ref := sha256.Sum256(data)
	return ref[:], nil
}

// Party returns the party the credential belongs to
func (pg *PreGroup) Party() *Party {
	return pg.party
}

// Name returns the owning party's name
func (pg *PreGroup) Name() string {
	return pg.party.name
}

// Suite returns the ciphersuite the key package is bound to
func (pg *PreGroup) Suite() mls.CipherSuite {
	return pg.suite
}

// Credential returns the basic credential
func (pg *PreGroup) Credential() *mls.Credential {
	return pg.credential
}

// KeyPackage returns a copy of the key package to hand to an adder
func (pg *PreGroup) KeyPackage() mls.KeyPackage {
	return pg.keyPackage
}

// KeyPackageRef returns the storage reference of the key package
func (pg *PreGroup) KeyPackageRef() []byte {
	return pg.keyPackageRef
}

// SignaturePublicKey returns the public half of the signing key
func (pg *PreGroup) SignaturePublicKey() []byte {
	return pg.signer.PublicKey()
}

// Consumed reports whether the credential has been used
func (pg *PreGroup) Consumed() bool {
	return pg.consumed.Load()
}

// Consume marks the credential as used. Only the first call succeeds.
func (pg *PreGroup) Consume() error {
	if !pg.consumed.CompareAndSwap(false, true) {
		return errors.Wrapf(ErrConsumed, "party %s", pg.party.name)
	}
	return nil
}
