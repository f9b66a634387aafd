package crypto

import (
	"fmt"
	"io"
	"sort"

	mls "github.com/cisco/go-mls"
)

// secretSize is the commit and init secret size for the SHA-256 based suites below
const secretSize = 32

var suitesByName = map[string]mls.CipherSuite{
	"X25519_AES128GCM_SHA256_Ed25519":        mls.X25519_AES128GCM_SHA256_Ed25519,
	"X25519_CHACHA20POLY1305_SHA256_Ed25519": mls.X25519_CHACHA20POLY1305_SHA256_Ed25519,
}

// SuiteByName resolves a ciphersuite by its registry name
func SuiteByName(name string) (mls.CipherSuite, error) {
	suite, ok := suitesByName[name]
	if !ok {
		return 0, fmt.Errorf("unsupported ciphersuite %q", name)
	}
	return suite, nil
}

// SuiteName returns the registry name of suite, or a hex code if it is not supported
func SuiteName(suite mls.CipherSuite) string {
	for name, s := range suitesByName {
		if s == suite {
			return name
		}
	}
	return fmt.Sprintf("0x%04x", uint16(suite))
}

// SupportedSuites lists the names of every suite the harness can drive
func SupportedSuites() []string {
	names := make([]string, 0, len(suitesByName))
	for name := range suitesByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Crypto performs the primitive operations of a provider, parameterized by ciphersuite
type Crypto struct{}

// Supports reports whether suite can be used by the harness
func (Crypto) Supports(suite mls.CipherSuite) bool {
	for _, s := range suitesByName {
		if s == suite {
			return true
		}
	}
	return false
}

// SignatureScheme returns the signature scheme bound to suite
func (Crypto) SignatureScheme(suite mls.CipherSuite) mls.SignatureScheme {
	return suite.Scheme()
}

// GenerateSignatureKeyPair derives a signing key for suite from rnd
func (c Crypto) GenerateSignatureKeyPair(suite mls.CipherSuite, rnd io.Reader) (*SignatureKeyPair, error) {
	if !c.Supports(suite) {
		return nil, fmt.Errorf("unsupported ciphersuite %s", SuiteName(suite))
	}
	return GenerateSignatureKeyPair(suite.Scheme(), rnd)
}

// RandomSecret reads a fresh secret sized for suite
func (c Crypto) RandomSecret(suite mls.CipherSuite, rnd io.Reader) ([]byte, error) {
	if !c.Supports(suite) {
		return nil, fmt.Errorf("unsupported ciphersuite %s", SuiteName(suite))
	}
	secret := make([]byte, secretSize)
	if _, err := io.ReadFull(rnd, secret); err != nil {
		return nil, fmt.Errorf("failed to read secret: %v", err)
	}
	return secret, nil
}
