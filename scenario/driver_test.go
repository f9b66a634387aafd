package scenario

import (
	"context"
	"testing"

	mls "github.com/cisco/go-mls"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"silvertiger.com/go/mlsharness/group"
)

var testSuite = mls.X25519_AES128GCM_SHA256_Ed25519

func newTestDriver(t *testing.T, mutate func(*Config)) *Driver {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Clients = 10
	cfg.BatchSize = 3
	cfg.GroupSize = 5
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := NewDriver(cfg)
	require.NoError(t, err)
	return d
}

func TestNewDriverClientPool(t *testing.T) {
	d := newTestDriver(t, nil)
	clients := d.Clients()
	require.Len(t, clients, 10)
	assert.Equal(t, "client-00", clients[0])
	assert.Equal(t, "client-09", clients[9])

	p, ok := d.Client("client-03")
	require.True(t, ok)
	assert.Equal(t, "client-03", p.Name())

	_, err := NewDriver(Config{})
	require.Error(t, err)
}

func TestOneToOneJoin(t *testing.T) {
	d := newTestDriver(t, nil)
	id, err := d.CreateGroupBy("client-00", testSuite)
	require.NoError(t, err)
	require.NoError(t, d.AddClients(Commit, id, "client-00", []string{"client-01"}))
	require.NoError(t, d.CheckGroupStates(id))

	r, ok := d.Registry(id)
	require.True(t, ok)
	assert.Equal(t, []string{"client-00", "client-01"}, r.Names())
}

func TestThreePartyJoin(t *testing.T) {
	d := newTestDriver(t, nil)
	id, err := d.CreateGroupBy("client-00", testSuite)
	require.NoError(t, err)
	require.NoError(t, d.AddClients(Commit, id, "client-00", []string{"client-01"}))
	require.NoError(t, d.AddClients(Commit, id, "client-01", []string{"client-02"}))
	require.NoError(t, d.CheckGroupStates(id))
}

func TestAddAndRemoveThroughProposals(t *testing.T) {
	d := newTestDriver(t, nil)
	id, err := d.CreateGroupBy("client-00", testSuite)
	require.NoError(t, err)
	require.NoError(t, d.AddClients(Proposal, id, "client-00", []string{"client-01", "client-02", "client-03"}))
	require.NoError(t, d.CheckGroupStates(id))

	require.NoError(t, d.RemoveClients(Proposal, id, "client-02", []string{"client-01"}))
	require.NoError(t, d.CheckGroupStates(id))

	r, _ := d.Registry(id)
	assert.Equal(t, []string{"client-00", "client-02", "client-03"}, r.Names())
	stats := d.Stats()
	assert.Equal(t, uint64(2), stats.Proposals)
	assert.Equal(t, uint64(2), stats.Commits)
	assert.Equal(t, uint64(3), stats.Welcomes)
}

func TestSelfUpdate(t *testing.T) {
	d := newTestDriver(t, nil)
	id, err := d.CreateRandomGroup(4, testSuite)
	require.NoError(t, err)
	r, _ := d.Registry(id)

	for _, name := range r.Names() {
		require.NoError(t, d.SelfUpdate(Commit, id, name))
	}
	require.NoError(t, d.CheckGroupStates(id))

	err = d.SelfUpdate(Proposal, id, r.Names()[0])
	require.ErrorIs(t, err, group.ErrUnsupported)
}

func TestUnknownMembersAndGroups(t *testing.T) {
	d := newTestDriver(t, nil)
	id, err := d.CreateGroupBy("client-00", testSuite)
	require.NoError(t, err)

	require.Error(t, d.AddClients(Commit, id, "client-05", []string{"client-01"}))
	require.Error(t, d.AddClients(Commit, id, "client-00", []string{"nobody"}))
	require.Error(t, d.SelfUpdate(Commit, id, "client-05"))
	require.Error(t, d.CheckGroupStates("feed"))
	_, err = d.CreateGroupBy("nobody", testSuite)
	require.Error(t, err)
}

func TestCreateRandomGroupBatches(t *testing.T) {
	d := newTestDriver(t, nil)
	id, err := d.CreateRandomGroup(8, testSuite)
	require.NoError(t, err)

	r, _ := d.Registry(id)
	assert.Equal(t, 8, r.Len())
	require.NoError(t, d.CheckGroupStates(id))

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Groups)
	assert.Equal(t, uint64(3), stats.Commits)
	assert.Equal(t, uint64(7), stats.Welcomes)

	_, err = d.CreateRandomGroup(11, testSuite)
	require.Error(t, err)
}

func TestRandomSampling(t *testing.T) {
	d := newTestDriver(t, nil)
	id, err := d.CreateRandomGroup(3, testSuite)
	require.NoError(t, err)
	r, _ := d.Registry(id)

	for i := 0; i < 50; i++ {
		a, b, err := d.RandomDistinctPair(id)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)

		m, err := d.RandomMember(id)
		require.NoError(t, err)
		_, ok := r.Member(m)
		assert.True(t, ok)
	}

	fresh, err := d.RandomNewMembers(id, 7)
	require.NoError(t, err)
	assert.Len(t, fresh, 7)
	for _, name := range fresh {
		_, ok := r.Member(name)
		assert.False(t, ok, name)
	}
	_, err = d.RandomNewMembers(id, 8)
	require.Error(t, err)

	solo, err := d.CreateGroupBy("client-00", testSuite)
	require.NoError(t, err)
	_, _, err = d.RandomDistinctPair(solo)
	require.Error(t, err)
}

func TestRunLifecycle(t *testing.T) {
	for _, suite := range []string{"X25519_AES128GCM_SHA256_Ed25519", "X25519_CHACHA20POLY1305_SHA256_Ed25519"} {
		t.Run(suite, func(t *testing.T) {
			d := newTestDriver(t, func(c *Config) { c.Suite = suite })
			id, err := d.RunLifecycle(5)
			require.NoError(t, err)

			r, _ := d.Registry(id)
			assert.Equal(t, 1, r.Len())
			// two add batches, five updates, four removals
			assert.Equal(t, uint64(2+5+4), d.Stats().Commits)
		})
	}
}

func TestRunLifecycleWithoutTreeExtension(t *testing.T) {
	d := newTestDriver(t, func(c *Config) { c.RatchetTreeExtension = false })
	_, err := d.RunLifecycle(4)
	require.NoError(t, err)
}

func TestSeededDriversReplay(t *testing.T) {
	seeded := func(c *Config) { c.Seed = 42 }
	a := newTestDriver(t, seeded)
	b := newTestDriver(t, seeded)

	idA, err := a.CreateRandomGroup(5, testSuite)
	require.NoError(t, err)
	idB, err := b.CreateRandomGroup(5, testSuite)
	require.NoError(t, err)
	assert.Equal(t, idA, idB)

	ra, _ := a.Registry(idA)
	rb, _ := b.Registry(idB)
	assert.Equal(t, ra.Names(), rb.Names())
}

func TestCheckAllGroups(t *testing.T) {
	d := newTestDriver(t, nil)
	for i := 0; i < 3; i++ {
		_, err := d.CreateRandomGroup(4, testSuite)
		require.NoError(t, err)
	}
	require.Len(t, d.Groups(), 3)
	require.NoError(t, d.CheckAllGroups(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, d.CheckAllGroups(ctx), context.Canceled)
}

func TestLifecycleProperty(t *testing.T) {
	if testing.Short() {
		t.Skip("randomized lifecycles are slow")
	}
	rapid.Check(t, func(rt *rapid.T) {
		cfg := DefaultConfig()
		cfg.Clients = 8
		cfg.GroupSize = 8
		cfg.BatchSize = rapid.IntRange(1, 4).Draw(rt, "batch")
		cfg.Seed = rapid.Uint64Range(1, 1<<32).Draw(rt, "seed")
		cfg.RatchetTreeExtension = rapid.Bool().Draw(rt, "treeExtension")
		size := rapid.IntRange(1, cfg.Clients).Draw(rt, "size")

		d, err := NewDriver(cfg)
		if err != nil {
			rt.Fatalf("new driver: %v", err)
		}
		id, err := d.RunLifecycle(size)
		if err != nil {
			rt.Fatalf("lifecycle of %d: %v", size, err)
		}
		r, _ := d.Registry(id)
		if r.Len() != 1 {
			rt.Fatalf("lifecycle left %d members", r.Len())
		}
	})
}
