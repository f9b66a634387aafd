package crypto

import (
	"fmt"

	mls "github.com/cisco/go-mls"
	syntax "github.com/cisco/go-tls-syntax"
)

// signatureKeyRecord is the stored form of a SignatureKeyPair
type signatureKeyRecord struct {
	Scheme  uint16
	Private []byte `tls:"head=2"`
	Public  []byte `tls:"head=2"`
}

// initSecretRecord is the stored form of a key package init secret
type initSecretRecord struct {
	Secret []byte `tls:"head=1"`
}

// SerializeSignatureKeyPair encodes a key pair for storage
func SerializeSignatureKeyPair(kp *SignatureKeyPair) ([]byte, error) {
	data, err := syntax.Marshal(signatureKeyRecord{
		Scheme:  uint16(kp.Scheme),
		Private: kp.Priv.Data,
		Public:  kp.Priv.PublicKey.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signature key: %v", err)
	}
	return data, nil
}

// DeserializeSignatureKeyPair decodes a key pair written by SerializeSignatureKeyPair
func DeserializeSignatureKeyPair(data []byte) (*SignatureKeyPair, error) {
	var rec signatureKeyRecord
	read, err := syntax.Unmarshal(data, &rec)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal signature key: %v", err)
	}
	if read != len(data) {
		return nil, fmt.Errorf("trailing data after signature key: %d bytes", len(data)-read)
	}
	return newSignatureKeyPair(mls.SignatureScheme(rec.Scheme), rec.Private, rec.Public), nil
}

func serializeInitSecret(secret []byte) ([]byte, error) {
	return syntax.Marshal(initSecretRecord{Secret: secret})
}

func deserializeInitSecret(data []byte) ([]byte, error) {
	var rec initSecretRecord
	if _, err := syntax.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal init secret: %v", err)
	}
	return rec.Secret, nil
}
