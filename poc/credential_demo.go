package poc

import (
	"bytes"
	"context"

	mls "github.com/cisco/go-mls"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"silvertiger.com/go/mlsharness/crypto"
	"silvertiger.com/go/mlsharness/user"
)

// RunCredentialDemo has a sender sign a note with the signing key sealed in
// its key store, and a receiver check it against the sender's credential
func RunCredentialDemo(log zerolog.Logger, suite mls.CipherSuite) error {
	alice := user.NewParty("alice")
	bob := user.NewParty("bob")

	pre, err := alice.GeneratePreGroup(suite)
	if err != nil {
		return err
	}
	signer, err := alice.Provider().Storage.SignatureKey(context.Background(), pre.SignaturePublicKey())
	if err != nil {
		return errors.Wrap(err, "load alice's signing key")
	}

	note := []byte("hello bob, this key package is mine")
	signature, err := signer.Sign(note)
	if err != nil {
		return err
	}
	log.Info().
		Str("algorithm", signer.AlgorithmName()).
		Int("signature_bytes", len(signature)).
		Msg("note signed")

	// bob only has alice's credential from her key package
	cred := pre.KeyPackage().Credential
	if !bytes.Equal(cred.Identity(), []byte(alice.Name())) {
		return errors.Errorf("credential names %q, want %q", cred.Identity(), alice.Name())
	}
	if !verifyWithCredential(bob, suite, pre, note, signature) {
		return errors.New("signature from alice did not verify")
	}
	tampered := append([]byte(nil), note...)
	tampered[0] ^= 0xff
	if verifyWithCredential(bob, suite, pre, tampered, signature) {
		return errors.New("tampered note verified")
	}
	log.Info().Str("from", alice.Name()).Str("to", bob.Name()).Msg("signature verified against credential")
	return nil
}

func verifyWithCredential(receiver *user.Party, suite mls.CipherSuite, pre *user.PreGroup, data, signature []byte) bool {
	scheme := receiver.Provider().Crypto.SignatureScheme(suite)
	var verifier crypto.Signer = crypto.NewVerifier(scheme, pre.SignaturePublicKey())
	return verifier.Verify(data, signature)
}
