package group

import (
	"testing"

	mls "github.com/cisco/go-mls"
	"github.com/stretchr/testify/require"

	"silvertiger.com/go/mlsharness/user"
)

var testSuite = mls.X25519_AES128GCM_SHA256_Ed25519

func newPreGroup(t *testing.T, name string) *user.PreGroup {
	t.Helper()
	pre, err := user.NewParty(name).GeneratePreGroup(testSuite)
	require.NoError(t, err)
	return pre
}

func newTestGroup(t *testing.T, cfg CreateConfig, creator string) *Registry {
	t.Helper()
	r, err := NewRegistryFromParty(newPreGroup(t, creator), cfg)
	require.NoError(t, err)
	return r
}

// addMembers has adder commit one Add per name, delivers the commit to the
// rest of the group and admits the newcomers through the welcome.
func addMembers(t *testing.T, r *Registry, cfg CreateConfig, adder string, names ...string) {
	t.Helper()
	pres := make([]*user.PreGroup, len(names))
	for i, name := range names {
		pres[i] = newPreGroup(t, name)
	}
	m, ok := r.Member(adder)
	require.True(t, ok)
	bundle, err := m.BuildCommitAndStage(func(b *CommitBuilder) *CommitBuilder {
		for _, pre := range pres {
			b.Add(pre.KeyPackage())
		}
		return b
	})
	require.NoError(t, err)
	require.NotNil(t, bundle.Welcome)
	require.NoError(t, m.MergePendingCommit())
	require.NoError(t, r.DeliverAndApplyIf(bundle.Commit, Except(adder)))
	for _, pre := range pres {
		require.NoError(t, r.DeliverAndApplyWelcome(pre, cfg.JoinConfig(), bundle.Welcome, bundle.RatchetTree))
	}
}

// selfUpdate has name commit an empty commit and delivers it to everybody else
func selfUpdate(t *testing.T, r *Registry, name string) {
	t.Helper()
	m, ok := r.Member(name)
	require.True(t, ok)
	bundle, err := m.BuildCommitAndStage(nil)
	require.NoError(t, err)
	require.Nil(t, bundle.Welcome)
	require.NoError(t, m.MergePendingCommit())
	require.NoError(t, r.DeliverAndApplyIf(bundle.Commit, Except(name)))
}

func rosterNames(roster []Leaf) []string {
	names := make([]string, len(roster))
	for i, leaf := range roster {
		names[i] = string(leaf.Identity)
	}
	return names
}
