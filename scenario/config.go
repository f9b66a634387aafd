package scenario

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	mls "github.com/cisco/go-mls"

	"silvertiger.com/go/mlsharness/crypto"
)

// Config holds the driver configuration
type Config struct {
	Clients              int    `env:"MLSHARNESS_CLIENTS"                envDefault:"20"`
	BatchSize            int    `env:"MLSHARNESS_BATCH_SIZE"             envDefault:"5"`
	GroupSize            int    `env:"MLSHARNESS_GROUP_SIZE"             envDefault:"8"`
	Seed                 uint64 `env:"MLSHARNESS_SEED"`
	Suite                string `env:"MLSHARNESS_SUITE"                  envDefault:"X25519_AES128GCM_SHA256_Ed25519"`
	RatchetTreeExtension bool   `env:"MLSHARNESS_RATCHET_TREE_EXTENSION" envDefault:"true"`
	Verbose              bool   `env:"MLSHARNESS_VERBOSE"`
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() Config {
	return Config{
		Clients:              20,
		BatchSize:            5,
		GroupSize:            8,
		Suite:                "X25519_AES128GCM_SHA256_Ed25519",
		RatchetTreeExtension: true,
	}
}

// ParseConfig loads the configuration from MLSHARNESS_* environment variables
func ParseConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that the configuration can drive a scenario
func (c Config) Validate() error {
	if c.Clients < 1 {
		return fmt.Errorf("need at least one client, got %d", c.Clients)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.GroupSize < 1 || c.GroupSize > c.Clients {
		return fmt.Errorf("group size %d outside 1..%d", c.GroupSize, c.Clients)
	}
	if _, err := crypto.SuiteByName(c.Suite); err != nil {
		return err
	}
	return nil
}

// CipherSuite resolves the configured suite
func (c Config) CipherSuite() (mls.CipherSuite, error) {
	return crypto.SuiteByName(c.Suite)
}
