package group

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"silvertiger.com/go/mlsharness/crypto"
	"silvertiger.com/go/mlsharness/user"
)

func TestCreateReadsSealedSigningKey(t *testing.T) {
	ctx := context.Background()
	ds := dssync.MutexWrap(datastore.NewMapDatastore())
	sealKey := make([]byte, 32)
	_, err := rand.Read(sealKey)
	require.NoError(t, err)
	ks, err := crypto.NewKeyStore(ds, sealKey, rand.Reader)
	require.NoError(t, err)

	party := user.NewPartyWithProvider("alice", &crypto.Provider{Storage: ks, Rand: rand.Reader})
	pre, err := party.GeneratePreGroup(testSuite)
	require.NoError(t, err)

	key := datastore.NewKey("/signature/" + hex.EncodeToString(pre.SignaturePublicKey()))
	raw, err := ds.Get(ctx, key)
	require.NoError(t, err)
	damaged := append([]byte(nil), raw...)
	damaged[len(damaged)-1] ^= 0x01
	require.NoError(t, ds.Put(ctx, key, damaged))

	_, err = CreateFromPreGroup(pre, DefaultCreateConfig(testSuite))
	require.ErrorIs(t, err, ErrStorage)
}

func TestFailedBuildLeavesNoCachedProposals(t *testing.T) {
	cfg := DefaultCreateConfig(testSuite)
	r := newTestGroup(t, cfg, "alice")
	alice, _ := r.Member("alice")
	bob := newPreGroup(t, "bob")

	_, err := alice.BuildCommitAndStage(func(b *CommitBuilder) *CommitBuilder {
		return b.Add(bob.KeyPackage()).RemoveMember([]byte("mallory"))
	})
	require.ErrorIs(t, err, ErrProposal)

	// the add from the failed build must not ride along
	bundle, err := alice.BuildCommitAndStage(nil)
	require.NoError(t, err)
	assert.Nil(t, bundle.Welcome)
	require.NoError(t, alice.MergePendingCommit())
	assert.Equal(t, []string{"alice"}, rosterNames(alice.Roster()))
}

func TestClearPendingCommitDropsItsProposals(t *testing.T) {
	cfg := DefaultCreateConfig(testSuite)
	r := newTestGroup(t, cfg, "alice")
	alice, _ := r.Member("alice")
	bob := newPreGroup(t, "bob")

	bundle, err := alice.BuildCommitAndStage(func(b *CommitBuilder) *CommitBuilder {
		return b.Add(bob.KeyPackage())
	})
	require.NoError(t, err)
	require.NotNil(t, bundle.Welcome)
	alice.ClearPendingCommit()

	bundle, err = alice.BuildCommitAndStage(nil)
	require.NoError(t, err)
	assert.Nil(t, bundle.Welcome)
	require.NoError(t, alice.MergePendingCommit())
	assert.Equal(t, uint64(1), alice.Epoch())
	assert.Len(t, alice.Roster(), 1)
}

func TestRejectedApplicationMessageCanBeRetried(t *testing.T) {
	cfg := DefaultCreateConfig(testSuite)
	r := newTestGroup(t, cfg, "alice")
	addMembers(t, r, cfg, "alice", "bob")
	members := r.MustMembers("alice", "bob")
	alice, bob := members[0], members[1]

	msg, err := alice.SendApplicationMessage([]byte("hello"))
	require.NoError(t, err)

	tampered := &Message{Type: msg.Type, Payload: append([]byte(nil), msg.Payload...)}
	tampered.Payload[len(tampered.Payload)-1] ^= 0xff
	require.ErrorIs(t, bob.DeliverAndApply(tampered), ErrProcessing)
	assert.Empty(t, bob.Received())

	require.NoError(t, bob.DeliverAndApply(msg))
	assert.Equal(t, [][]byte{[]byte("hello")}, bob.Received())
}

func TestAbortedAtomicApplicationDeliveryCanBeRetried(t *testing.T) {
	cfg := DefaultCreateConfig(testSuite)
	r := newTestGroup(t, cfg, "alice")
	addMembers(t, r, cfg, "alice", "bob", "charlie", "dave")
	members := r.MustMembers("alice", "bob", "charlie", "dave")
	alice, bob, dave := members[0], members[1], members[3]

	// charlie misses bob's update and falls an epoch behind
	update, err := bob.BuildCommitAndStage(nil)
	require.NoError(t, err)
	require.NoError(t, bob.MergePendingCommit())
	require.NoError(t, r.DeliverAndApplyIf(update.Commit, Only("alice", "dave")))

	msg, err := alice.SendApplicationMessage([]byte("epoch two"))
	require.NoError(t, err)

	// bob decrypts first, then charlie fails and bob is rolled back
	err = r.DeliverAndApplyAtomic(msg, Except("alice"))
	require.ErrorIs(t, err, ErrProcessing)
	assert.Equal(t, "charlie", err.(*Error).Member)
	assert.Empty(t, bob.Received())
	assert.Empty(t, dave.Received())

	require.True(t, r.UntrackMember("charlie"))
	require.NoError(t, r.DeliverAndApplyAtomic(msg, Except("alice")))
	assert.Equal(t, [][]byte{[]byte("epoch two")}, bob.Received())
	assert.Equal(t, [][]byte{[]byte("epoch two")}, dave.Received())
}

func TestAbortedAtomicProposalDeliveryLeavesNoCache(t *testing.T) {
	cfg := DefaultCreateConfig(testSuite)
	r := newTestGroup(t, cfg, "alice")
	addMembers(t, r, cfg, "alice", "bob", "charlie", "dave")
	members := r.MustMembers("alice", "bob", "charlie", "dave")
	alice, bob := members[0], members[1]

	update, err := bob.BuildCommitAndStage(nil)
	require.NoError(t, err)
	require.NoError(t, bob.MergePendingCommit())
	require.NoError(t, r.DeliverAndApplyIf(update.Commit, Only("alice", "dave")))

	erin := newPreGroup(t, "erin")
	proposal, err := alice.Propose(func(b *CommitBuilder) *CommitBuilder {
		return b.Add(erin.KeyPackage())
	})
	require.NoError(t, err)
	require.ErrorIs(t, r.DeliverAndApplyAtomic(proposal, Except("alice")), ErrProcessing)

	// bob's rolled back cache holds nothing, so his commit adds nobody
	bundle, err := bob.BuildCommitAndStage(nil)
	require.NoError(t, err)
	assert.Nil(t, bundle.Welcome)
}
