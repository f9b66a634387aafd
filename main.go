// mlsharness drives multi-party MLS group scenarios and checks that every
// participant ends up with the same view of the group.
package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/alecthomas/kingpin.v2"

	"silvertiger.com/go/mlsharness/crypto"
	"silvertiger.com/go/mlsharness/group"
	"silvertiger.com/go/mlsharness/poc"
	"silvertiger.com/go/mlsharness/scenario"
)

type arguments struct {
	command string
	cfg     scenario.Config
	groups  int
}

func parseArgs(args []string) (*arguments, error) {
	cfg, err := scenario.ParseConfig()
	if err != nil {
		return nil, err
	}

	app := kingpin.New("mlsharness", "Scripted multi-party MLS group scenarios.")
	app.Flag("clients", "Size of the client pool.").Default(strconv.Itoa(cfg.Clients)).IntVar(&cfg.Clients)
	app.Flag("batch", "Most members added by one commit while growing a group.").Default(strconv.Itoa(cfg.BatchSize)).IntVar(&cfg.BatchSize)
	app.Flag("size", "Group size for lifecycle runs.").Default(strconv.Itoa(cfg.GroupSize)).IntVar(&cfg.GroupSize)
	app.Flag("seed", "Seed for replayable runs, 0 draws fresh randomness.").Default(strconv.FormatUint(cfg.Seed, 10)).Uint64Var(&cfg.Seed)
	app.Flag("suite", "Ciphersuite to run.").Default(cfg.Suite).EnumVar(&cfg.Suite, crypto.SupportedSuites()...)
	app.Flag("tree-extension", "Carry the ratchet tree inside welcomes.").Default(strconv.FormatBool(cfg.RatchetTreeExtension)).BoolVar(&cfg.RatchetTreeExtension)
	app.Flag("verbose", "Log every delivery.").Default(strconv.FormatBool(cfg.Verbose)).BoolVar(&cfg.Verbose)

	interop := app.Command("interop", "Run the interop scenarios.").Default()
	lifecycle := app.Command("lifecycle", "Grow random groups, update everybody, then shrink them to one member.")
	groups := lifecycle.Flag("groups", "Number of groups to run side by side.").Default("1").Int()
	demo := app.Command("demo", "Narrated removal and credential demos.")

	command, err := app.Parse(args)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if *groups < 1 {
		return nil, errors.Errorf("--groups must be positive, got %d", *groups)
	}

	a := &arguments{cfg: cfg, groups: *groups}
	switch command {
	case interop.FullCommand():
		a.command = "interop"
	case lifecycle.FullCommand():
		a.command = "lifecycle"
	case demo.FullCommand():
		a.command = "demo"
	}
	return a, nil
}

func (a *arguments) logger() zerolog.Logger {
	level := zerolog.InfoLevel
	if a.cfg.Verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

func (a *arguments) execute() error {
	log := a.logger()
	suite, err := a.cfg.CipherSuite()
	if err != nil {
		return err
	}

	switch a.command {
	case "interop":
		return poc.RunInteropScenarios(log, a.cfg)

	case "lifecycle":
		d, err := scenario.NewDriver(a.cfg, scenario.WithLogger(log))
		if err != nil {
			return err
		}
		errs := make(chan error, a.groups)
		for i := 0; i < a.groups; i++ {
			go func() {
				_, err := d.RunLifecycle(a.cfg.GroupSize)
				errs <- err
			}()
		}
		for i := 0; i < a.groups; i++ {
			if err := <-errs; err != nil {
				return err
			}
		}
		if err := d.CheckAllGroups(context.Background()); err != nil {
			return err
		}
		stats := d.Stats()
		log.Info().
			Uint64("groups", stats.Groups).
			Uint64("commits", stats.Commits).
			Uint64("welcomes", stats.Welcomes).
			Uint64("deliveries", stats.Deliveries).
			Msg("lifecycles complete")
		return nil

	case "demo":
		cfg := group.DefaultCreateConfig(suite)
		cfg.UseRatchetTreeExtension = a.cfg.RatchetTreeExtension
		if err := poc.RunRemovedMemberDemo(log, cfg); err != nil {
			return err
		}
		return poc.RunCredentialDemo(log, suite)
	}
	return errors.Errorf("unknown command %q", a.command)
}

func main() {
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		kingpin.Fatalf("failed to parse arguments, %s, try --help", err)
	}
	if err := args.execute(); err != nil {
		kingpin.Fatalf("%s", err)
	}
}
