package poc

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"silvertiger.com/go/mlsharness/group"
	"silvertiger.com/go/mlsharness/scenario"
	"silvertiger.com/go/mlsharness/user"
)

// Step is one named interop scenario
type Step struct {
	Name string
	Run  func(d *scenario.Driver) error
}

// InteropSteps lists the scenarios every engine build is expected to pass
func InteropSteps(groupSize int) []Step {
	return []Step{
		{Name: "one_to_one_join", Run: oneToOneJoin},
		{Name: "three_party_join", Run: threePartyJoin},
		{Name: "multiple_joins", Run: multipleJoins},
		{Name: "update", Run: update},
		{Name: "remove", Run: remove},
		{Name: "large_group_lifecycle", Run: func(d *scenario.Driver) error {
			_, err := d.RunLifecycle(groupSize)
			return err
		}},
	}
}

// RunInteropScenarios runs every interop step on a fresh driver and stops at
// the first failure
func RunInteropScenarios(log zerolog.Logger, cfg scenario.Config) error {
	for _, step := range InteropSteps(cfg.GroupSize) {
		d, err := scenario.NewDriver(cfg, scenario.WithLogger(log.With().Str("scenario", step.Name).Logger()))
		if err != nil {
			return err
		}
		if err := step.Run(d); err != nil {
			log.Error().Err(err).Str("scenario", step.Name).Msg("scenario failed")
			return errors.Wrap(err, step.Name)
		}
		stats := d.Stats()
		log.Info().
			Str("scenario", step.Name).
			Uint64("commits", stats.Commits).
			Uint64("welcomes", stats.Welcomes).
			Uint64("deliveries", stats.Deliveries).
			Msg("scenario passed")
	}
	return nil
}

func firstClients(d *scenario.Driver, n int) ([]string, error) {
	clients := d.Clients()
	if len(clients) < n {
		return nil, errors.Errorf("scenario needs %d clients, pool has %d", n, len(clients))
	}
	return clients[:n], nil
}

func oneToOneJoin(d *scenario.Driver) error {
	c, err := firstClients(d, 2)
	if err != nil {
		return err
	}
	suite, err := d.Config().CipherSuite()
	if err != nil {
		return err
	}
	id, err := d.CreateGroupBy(c[0], suite)
	if err != nil {
		return err
	}
	if err := d.AddClients(scenario.Commit, id, c[0], c[1:2]); err != nil {
		return err
	}
	return d.CheckGroupStates(id)
}

func threePartyJoin(d *scenario.Driver) error {
	c, err := firstClients(d, 3)
	if err != nil {
		return err
	}
	suite, err := d.Config().CipherSuite()
	if err != nil {
		return err
	}
	id, err := d.CreateGroupBy(c[0], suite)
	if err != nil {
		return err
	}
	if err := d.AddClients(scenario.Commit, id, c[0], c[1:2]); err != nil {
		return err
	}
	if err := d.AddClients(scenario.Commit, id, c[1], c[2:3]); err != nil {
		return err
	}
	return d.CheckGroupStates(id)
}

func multipleJoins(d *scenario.Driver) error {
	c, err := firstClients(d, 3)
	if err != nil {
		return err
	}
	suite, err := d.Config().CipherSuite()
	if err != nil {
		return err
	}
	id, err := d.CreateGroupBy(c[0], suite)
	if err != nil {
		return err
	}
	if err := d.AddClients(scenario.Proposal, id, c[0], c[1:3]); err != nil {
		return err
	}
	return d.CheckGroupStates(id)
}

func update(d *scenario.Driver) error {
	suite, err := d.Config().CipherSuite()
	if err != nil {
		return err
	}
	id, err := d.CreateRandomGroup(3, suite)
	if err != nil {
		return err
	}
	member, err := d.RandomMember(id)
	if err != nil {
		return err
	}
	if err := d.SelfUpdate(scenario.Commit, id, member); err != nil {
		return err
	}
	return d.CheckGroupStates(id)
}

func remove(d *scenario.Driver) error {
	suite, err := d.Config().CipherSuite()
	if err != nil {
		return err
	}
	id, err := d.CreateRandomGroup(3, suite)
	if err != nil {
		return err
	}
	remover, target, err := d.RandomDistinctPair(id)
	if err != nil {
		return err
	}
	if err := d.RemoveClients(scenario.Commit, id, remover, []string{target}); err != nil {
		return err
	}
	return d.CheckGroupStates(id)
}

// RunRemovedMemberDemo shows that a member taken out of the group cannot read
// traffic of the epochs that follow
func RunRemovedMemberDemo(log zerolog.Logger, cfg group.CreateConfig) error {
	names := []string{"alice", "bob", "charlie"}
	pres := make(map[string]*user.PreGroup, len(names))
	for _, name := range names {
		pre, err := user.NewParty(name).GeneratePreGroup(cfg.Suite)
		if err != nil {
			return err
		}
		pres[name] = pre
	}

	r, err := group.NewRegistryFromParty(pres["alice"], cfg, group.WithLogger(log))
	if err != nil {
		return err
	}
	alice, _ := r.Member("alice")
	bundle, err := alice.BuildCommitAndStage(func(b *group.CommitBuilder) *group.CommitBuilder {
		return b.Add(pres["bob"].KeyPackage()).Add(pres["charlie"].KeyPackage())
	})
	if err != nil {
		return err
	}
	if err := alice.MergePendingCommit(); err != nil {
		return err
	}
	for _, name := range []string{"bob", "charlie"} {
		if err := r.DeliverAndApplyWelcome(pres[name], cfg.JoinConfig(), bundle.Welcome, bundle.RatchetTree); err != nil {
			return err
		}
	}
	if err := r.CheckConvergence(); err != nil {
		return err
	}

	charlie, _ := r.Member("charlie")
	bundle, err = alice.BuildCommitAndStage(func(b *group.CommitBuilder) *group.CommitBuilder {
		return b.RemoveMember([]byte("charlie"))
	})
	if err != nil {
		return err
	}
	if err := alice.MergePendingCommit(); err != nil {
		return err
	}
	r.UntrackMember("charlie")
	if err := r.DeliverAndApplyIf(bundle.Commit, group.Except("alice")); err != nil {
		return err
	}

	bob, _ := r.Member("bob")
	msg, err := bob.SendApplicationMessage([]byte("after charlie left"))
	if err != nil {
		return err
	}
	if err := r.DeliverAndApplyIf(msg, group.Except("bob")); err != nil {
		return err
	}
	err = charlie.DeliverAndApply(msg)
	if err == nil {
		return errors.New("removed member decrypted traffic of a later epoch")
	}
	log.Info().Err(err).Str("member", "charlie").Msg("removed member cannot decrypt")
	log.Info().Uint64("epoch", bob.Epoch()).Int("members", r.Len()).Msg("group continues without removed member")
	return nil
}
