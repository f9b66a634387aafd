package crypto

import (
	"context"
	"encoding/hex"
	"io"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when no key material is stored under the requested id
var ErrNotFound = errors.New("crypto: key material not found")

const (
	signatureKeyPrefix = "/signature"
	initSecretPrefix   = "/init"
	pskPrefix          = "/psk"

	signerCacheSize = 64
)

// KeyStore persists a party's key material. Records are sealed with a
// per-store key before they reach the datastore; decoded signing keys are
// kept in a small LRU cache.
type KeyStore struct {
	ds      datastore.Datastore
	sealKey []byte
	rand    io.Reader
	signers *lru.Cache[string, *SignatureKeyPair]
}

// NewKeyStore wraps ds. The datastore must be safe for concurrent use.
func NewKeyStore(ds datastore.Datastore, sealKey []byte, rnd io.Reader) (*KeyStore, error) {
	if len(sealKey) != sealKeySize {
		return nil, errors.Errorf("sealing key must be %d bytes, got %d", sealKeySize, len(sealKey))
	}
	cache, err := lru.New[string, *SignatureKeyPair](signerCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create signer cache")
	}
	return &KeyStore{
		ds:      ds,
		sealKey: sealKey,
		rand:    rnd,
		signers: cache,
	}, nil
}

func signatureKey(pub []byte) datastore.Key {
	return datastore.NewKey(signatureKeyPrefix + "/" + hex.EncodeToString(pub))
}

func initSecretKey(ref []byte) datastore.Key {
	return datastore.NewKey(initSecretPrefix + "/" + hex.EncodeToString(ref))
}

func pskGroupPrefix(groupID []byte) string {
	return pskPrefix + "/" + hex.EncodeToString(groupID)
}

func (ks *KeyStore) put(ctx context.Context, key datastore.Key, plaintext []byte) error {
	sealed, err := sealRecord(ks.sealKey, key.String(), plaintext, ks.rand)
	if err != nil {
		return errors.Wrapf(err, "failed to seal %s", key)
	}
	if err := ks.ds.Put(ctx, key, sealed); err != nil {
		return errors.Wrapf(err, "failed to write %s", key)
	}
	return nil
}

func (ks *KeyStore) get(ctx context.Context, key datastore.Key) ([]byte, error) {
	sealed, err := ks.ds.Get(ctx, key)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "%s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", key)
	}
	plaintext, err := openRecord(ks.sealKey, key.String(), sealed)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", key)
	}
	return plaintext, nil
}

// StoreSignatureKey persists kp under its public key
func (ks *KeyStore) StoreSignatureKey(ctx context.Context, kp *SignatureKeyPair) error {
	data, err := SerializeSignatureKeyPair(kp)
	if err != nil {
		return err
	}
	return ks.put(ctx, signatureKey(kp.PublicKey()), data)
}

// SignatureKey loads the key pair whose public key is pub. The first load
// opens the sealed record; later loads come from the cache.
func (ks *KeyStore) SignatureKey(ctx context.Context, pub []byte) (*SignatureKeyPair, error) {
	if kp, ok := ks.signers.Get(string(pub)); ok {
		return kp, nil
	}

	data, err := ks.get(ctx, signatureKey(pub))
	if err != nil {
		return nil, err
	}
	kp, err := DeserializeSignatureKeyPair(data)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptRecord, err.Error())
	}
	ks.signers.Add(string(pub), kp)
	return kp, nil
}

// StoreInitSecret persists the init secret of the key package referenced by ref
func (ks *KeyStore) StoreInitSecret(ctx context.Context, ref, secret []byte) error {
	data, err := serializeInitSecret(secret)
	if err != nil {
		return errors.Wrap(err, "failed to encode init secret")
	}
	return ks.put(ctx, initSecretKey(ref), data)
}

// InitSecret loads the init secret of the key package referenced by ref
func (ks *KeyStore) InitSecret(ctx context.Context, ref []byte) ([]byte, error) {
	data, err := ks.get(ctx, initSecretKey(ref))
	if err != nil {
		return nil, err
	}
	return deserializeInitSecret(data)
}

// DeleteInitSecret removes a used init secret. Key packages are single use.
func (ks *KeyStore) DeleteInitSecret(ctx context.Context, ref []byte) error {
	if err := ks.ds.Delete(ctx, initSecretKey(ref)); err != nil {
		return errors.Wrap(err, "failed to delete init secret")
	}
	return nil
}

// StorePSK records a pre-shared key to be injected into the next commit of groupID
func (ks *KeyStore) StorePSK(ctx context.Context, groupID, pskID, secret []byte) error {
	key := datastore.NewKey(pskGroupPrefix(groupID) + "/" + hex.EncodeToString(pskID))
	return ks.put(ctx, key, secret)
}

// PendingPSKs lists the ids of pre-shared keys stored for groupID
func (ks *KeyStore) PendingPSKs(ctx context.Context, groupID []byte) ([][]byte, error) {
	prefix := pskGroupPrefix(groupID)
	results, err := ks.ds.Query(ctx, query.Query{Prefix: prefix, KeysOnly: true})
	if err != nil {
		return nil, errors.Wrap(err, "failed to query pre-shared keys")
	}
	entries, err := results.Rest()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pre-shared keys")
	}

	ids := make([][]byte, 0, len(entries))
	for _, e := range entries {
		id, err := hex.DecodeString(strings.TrimPrefix(e.Key, prefix+"/"))
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptRecord, "bad pre-shared key id %q", e.Key)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
