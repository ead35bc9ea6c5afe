package repopool

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/utilitywarehouse/repo-mirror/truststore"
)

const (
	// RootEnv overrides the root dir of the local caches
	RootEnv = "REPO_MIRROR_DIR"

	minAllowedInterval   = time.Second
	defaultInterval      = 3 * time.Hour
	defaultThrottle      = 60 * time.Second
	defaultMirrorTimeout = 30 * time.Minute
)

// Config is the configuration to create repoPool
type Config struct {
	// default config for all the repositories
	Defaults DefaultConfig `yaml:"defaults"`
}

// DefaultConfig is the config applied to every repository in repos.json
type DefaultConfig struct {
	// Root is the absolute path to the root dir where all repositories
	// caches will be created
	Root string `yaml:"root"`

	// Interval is time duration for how long to wait between mirror ticks
	Interval time.Duration `yaml:"interval"`

	// Throttle is the delay between repositories within a tick,
	// 0 disables throttling
	Throttle *time.Duration `yaml:"throttle"`

	// MirrorTimeout represents the total time allowed for a single
	// repository mirror cycle, 0 disables the deadline
	MirrorTimeout *time.Duration `yaml:"mirror_timeout"`

	// Bare creates local caches without working copy
	Bare bool `yaml:"bare"`

	// TrustPolicy used for unknown hosts during continuous operation
	// 'interactive' or 'strict'
	TrustPolicy string `yaml:"trust_policy"`

	// CleanupOrphans removes caches of repositories which are no longer
	// configured
	CleanupOrphans bool `yaml:"cleanup_orphans"`

	// Auth config to connect to SSH remotes
	Auth Auth `yaml:"auth"`
}

// Auth represents the local SSH identity
type Auth struct {
	// path to the ssh private key
	SSHKeyPath string `yaml:"ssh_key_path"`

	// user to use if remote URL doesn't have one
	SSHUser string `yaml:"ssh_user"`

	// name of the env variable holding the key passphrase
	SSHKeyPassphraseEnv string `yaml:"ssh_key_passphrase_env"`
}

// validateDefaults will verify default config
func (rpc *Config) validateDefaults() error {
	dc := rpc.Defaults

	var errs error

	if dc.Root != "" && !filepath.IsAbs(dc.Root) {
		errs = errors.CombineErrors(errs, errors.Newf("repository root '%s' must be absolute", dc.Root))
	}

	if dc.Interval != 0 && dc.Interval < minAllowedInterval {
		errs = errors.CombineErrors(errs, errors.Newf("provided interval between mirroring is too sort (%s), must be > %s", dc.Interval, minAllowedInterval))
	}

	if dc.Throttle != nil && *dc.Throttle < 0 {
		errs = errors.CombineErrors(errs, errors.Newf("throttle can't be negative (%s)", *dc.Throttle))
	}

	if dc.MirrorTimeout != nil && *dc.MirrorTimeout < 0 {
		errs = errors.CombineErrors(errs, errors.Newf("mirror timeout can't be negative (%s)", *dc.MirrorTimeout))
	}

	switch p, err := truststore.ParsePolicy(dc.TrustPolicy); {
	case err != nil:
		errs = errors.CombineErrors(errs, err)
	case p == truststore.AutoTrust:
		errs = errors.CombineErrors(errs, errors.New("auto-trust policy is only allowed for trust seeding"))
	}

	return errs
}

// applyDefaults will set defaults where config is not set
func (rpc *Config) applyDefaults() {
	dc := &rpc.Defaults

	if dc.Root == "" {
		dc.Root = filepath.Join(os.TempDir(), "repo_mirror")
	}

	if dc.Interval == 0 {
		dc.Interval = defaultInterval
	}

	if dc.Throttle == nil {
		d := defaultThrottle
		dc.Throttle = &d
	}

	if dc.MirrorTimeout == nil {
		d := defaultMirrorTimeout
		dc.MirrorTimeout = &d
	}

	if dc.TrustPolicy == "" {
		dc.TrustPolicy = truststore.Interactive.String()
	}
}

// ValidateAndApplyDefaults will validate and apply defaults.
// The root env variable takes precedence over the configured root.
func (conf *Config) ValidateAndApplyDefaults() error {
	if env := os.Getenv(RootEnv); env != "" {
		conf.Defaults.Root = env
	}

	if err := conf.validateDefaults(); err != nil {
		return errors.Mark(err, ErrConfig)
	}

	conf.applyDefaults()

	return nil
}
