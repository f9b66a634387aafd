package user

import (
	"context"
	"testing"

	mls "github.com/cisco/go-mls"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"silvertiger.com/go/mlsharness/crypto"
)

const suite = mls.X25519_AES128GCM_SHA256_Ed25519

func TestGeneratePreGroupPersistsKeyMaterial(t *testing.T) {
	alice := NewParty("alice")
	pre, err := alice.GeneratePreGroup(suite)
	require.NoError(t, err)

	require.Equal(t, "alice", pre.Name())
	require.Same(t, alice, pre.Party())
	require.Equal(t, []byte("alice"), pre.Credential().Identity())
	require.Equal(t, suite, pre.Suite())

	ctx := context.Background()
	signer, err := alice.Provider().Storage.SignatureKey(ctx, pre.SignaturePublicKey())
	require.NoError(t, err)

	// the stored key is usable for signing
	sig, err := signer.Sign([]byte("proof of possession"))
	require.NoError(t, err)
	require.True(t, signer.Verify([]byte("proof of possession"), sig))

	ref, err := KeyPackageRef(pre.KeyPackage())
	require.NoError(t, err)
	require.Equal(t, pre.KeyPackageRef(), ref)

	_, err = alice.Provider().Storage.InitSecret(ctx, ref)
	require.NoError(t, err)
}

func TestGeneratePreGroupIsolatesParties(t *testing.T) {
	alice := NewParty("alice")
	bob := NewParty("bob")

	pre, err := alice.GeneratePreGroup(suite)
	require.NoError(t, err)

	_, err = bob.Provider().Storage.SignatureKey(context.Background(), pre.SignaturePublicKey())
	require.True(t, errors.Is(err, crypto.ErrNotFound), "got %v", err)
}

func TestGeneratePreGroupDeterministic(t *testing.T) {
	newAlice := func() *Party {
		p, err := crypto.NewDeterministicProvider([]byte("seed"), "alice")
		require.NoError(t, err)
		return NewPartyWithProvider("alice", p)
	}

	a, err := newAlice().GeneratePreGroup(suite)
	require.NoError(t, err)
	b, err := newAlice().GeneratePreGroup(suite)
	require.NoError(t, err)

	require.Equal(t, a.SignaturePublicKey(), b.SignaturePublicKey())
	require.Equal(t, a.KeyPackage().InitKey, b.KeyPackage().InitKey)
}

func TestGeneratePreGroupUnsupportedSuite(t *testing.T) {
	_, err := NewParty("alice").GeneratePreGroup(mls.CipherSuite(0xfff0))
	require.Error(t, err)
}

func TestPreGroupConsumedOnce(t *testing.T) {
	pre, err := NewParty("alice").GeneratePreGroup(suite)
	require.NoError(t, err)

	require.False(t, pre.Consumed())
	require.NoError(t, pre.Consume())
	require.True(t, pre.Consumed())

	err = pre.Consume()
	require.True(t, errors.Is(err, ErrConsumed), "got %v", err)
}
