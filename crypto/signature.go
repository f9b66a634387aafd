package crypto

import (
	"fmt"
	"io"

	mls "github.com/cisco/go-mls"
	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/schemes"
)

// seedSize is the amount of randomness drawn per signing key
const seedSize = 32

// SignatureKeyPair is a signing key that serves both as a Signer and as the
// identity key held by a protocol state
type SignatureKeyPair struct {
	Scheme mls.SignatureScheme
	Priv   mls.SignaturePrivateKey

	// circl is nil for schemes that go-mls implements on its own
	circl sign.Scheme
}

var _ Signer = (*SignatureKeyPair)(nil)

// circlScheme maps a protocol signature scheme onto a circl scheme with an
// identical key encoding
func circlScheme(scheme mls.SignatureScheme) sign.Scheme {
	switch scheme {
	case mls.Ed25519:
		return schemes.ByName("Ed25519")
	}
	return nil
}

// GenerateSignatureKeyPair derives a new key pair for scheme from rnd
func GenerateSignatureKeyPair(scheme mls.SignatureScheme, rnd io.Reader) (*SignatureKeyPair, error) {
	seed := make([]byte, seedSize)
	if _, err := io.ReadFull(rnd, seed); err != nil {
		return nil, fmt.Errorf("failed to read key seed: %v", err)
	}

	cs := circlScheme(scheme)
	if cs == nil {
		priv, err := scheme.Derive(seed)
		if err != nil {
			return nil, fmt.Errorf("failed to derive signature key: %v", err)
		}
		return &SignatureKeyPair{Scheme: scheme, Priv: priv}, nil
	}

	pub, priv := cs.DeriveKey(seed[:cs.SeedSize()])
	privBytes, err := priv.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %v", err)
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %v", err)
	}

	return newSignatureKeyPair(scheme, privBytes, pubBytes), nil
}

func newSignatureKeyPair(scheme mls.SignatureScheme, priv, pub []byte) *SignatureKeyPair {
	return &SignatureKeyPair{
		Scheme: scheme,
		Priv: mls.SignaturePrivateKey{
			Data:      priv,
			PublicKey: mls.SignaturePublicKey{Data: pub},
		},
		circl: circlScheme(scheme),
	}
}

// NewVerifier returns a key pair holding only a public key. It verifies but cannot sign.
func NewVerifier(scheme mls.SignatureScheme, pub []byte) *SignatureKeyPair {
	return newSignatureKeyPair(scheme, nil, pub)
}

// Sign signs data with the private key
func (kp *SignatureKeyPair) Sign(data []byte) ([]byte, error) {
	if len(kp.Priv.Data) == 0 {
		return nil, fmt.Errorf("no private key for %s", kp.AlgorithmName())
	}
	if kp.circl == nil {
		return kp.Scheme.Sign(&kp.Priv, data)
	}

	sk, err := kp.circl.UnmarshalBinaryPrivateKey(kp.Priv.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %v", err)
	}
	return kp.circl.Sign(sk, data, nil), nil
}

// Verify checks a signature over data against the public key
func (kp *SignatureKeyPair) Verify(data []byte, signature []byte) bool {
	if kp.circl == nil {
		return kp.Scheme.Verify(&kp.Priv.PublicKey, data, signature)
	}

	pk, err := kp.circl.UnmarshalBinaryPublicKey(kp.Priv.PublicKey.Data)
	if err != nil {
		return false
	}
	return kp.circl.Verify(pk, data, signature, nil)
}

// PublicKey returns the encoded public key
func (kp *SignatureKeyPair) PublicKey() []byte {
	return kp.Priv.PublicKey.Data
}

// AlgorithmName names the signature algorithm
func (kp *SignatureKeyPair) AlgorithmName() string {
	if kp.circl != nil {
		return kp.circl.Name()
	}
	return fmt.Sprintf("scheme-0x%04x", uint16(kp.Scheme))
}
