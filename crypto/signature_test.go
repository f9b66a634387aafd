package crypto

import (
	"crypto/rand"
	"testing"

	mls "github.com/cisco/go-mls"
	"github.com/stretchr/testify/require"
)

func TestSignatureKeyPairSignVerify(t *testing.T) {
	kp, err := GenerateSignatureKeyPair(mls.Ed25519, rand.Reader)
	require.NoError(t, err)
	require.Equal(t, "Ed25519", kp.AlgorithmName())

	message := []byte("commit to epoch 7")
	signature, err := kp.Sign(message)
	require.NoError(t, err)
	require.True(t, kp.Verify(message, signature))
	require.False(t, kp.Verify([]byte("commit to epoch 8"), signature))

	// signatures made through circl verify under the go-mls implementation
	require.True(t, mls.Ed25519.Verify(&kp.Priv.PublicKey, message, signature))
}

func TestSignatureKeyPairDeterministic(t *testing.T) {
	r1, err := NewDeterministicReader([]byte("seed"), "alice")
	require.NoError(t, err)
	r2, err := NewDeterministicReader([]byte("seed"), "alice")
	require.NoError(t, err)

	kp1, err := GenerateSignatureKeyPair(mls.Ed25519, r1)
	require.NoError(t, err)
	kp2, err := GenerateSignatureKeyPair(mls.Ed25519, r2)
	require.NoError(t, err)

	require.Equal(t, kp1.PublicKey(), kp2.PublicKey())
	require.Equal(t, kp1.Priv.Data, kp2.Priv.Data)
}

func TestSignatureKeyPairSerialization(t *testing.T) {
	kp, err := GenerateSignatureKeyPair(mls.Ed25519, rand.Reader)
	require.NoError(t, err)

	data, err := SerializeSignatureKeyPair(kp)
	require.NoError(t, err)

	restored, err := DeserializeSignatureKeyPair(data)
	require.NoError(t, err)
	require.Equal(t, kp.Scheme, restored.Scheme)
	require.Equal(t, kp.PublicKey(), restored.PublicKey())

	signature, err := restored.Sign([]byte("hello"))
	require.NoError(t, err)
	require.True(t, kp.Verify([]byte("hello"), signature))

	_, err = DeserializeSignatureKeyPair(append(data, 0x00))
	require.Error(t, err)
}

func TestCryptoSuiteParameters(t *testing.T) {
	suite, err := SuiteByName("X25519_AES128GCM_SHA256_Ed25519")
	require.NoError(t, err)
	require.Equal(t, mls.X25519_AES128GCM_SHA256_Ed25519, suite)
	require.Equal(t, "X25519_AES128GCM_SHA256_Ed25519", SuiteName(suite))

	c := Crypto{}
	require.True(t, c.Supports(suite))
	require.Equal(t, mls.Ed25519, c.SignatureScheme(suite))

	secret, err := c.RandomSecret(suite, rand.Reader)
	require.NoError(t, err)
	require.Len(t, secret, 32)

	_, err = SuiteByName("KYBER1024_AES256GCM_SHA512_DILITHIUM3")
	require.Error(t, err)
	_, err = c.RandomSecret(mls.CipherSuite(0xfff0), rand.Reader)
	require.Error(t, err)
}

func TestVerifierCannotSign(t *testing.T) {
	kp, err := GenerateSignatureKeyPair(mls.Ed25519, rand.Reader)
	require.NoError(t, err)
	message := []byte("welcome to epoch 1")
	signature, err := kp.Sign(message)
	require.NoError(t, err)

	var v Signer = NewVerifier(mls.Ed25519, kp.PublicKey())
	require.True(t, v.Verify(message, signature))
	_, err = v.Sign(message)
	require.Error(t, err)
}
