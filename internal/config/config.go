// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/rbdcore/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Null    bool  `toml:"null" env:"RBDCORE_NULL" env-default:"false" env-description:"Use null object store backend, i.e. immediate acknowledge to read or write. For testing core dispatch overhead."`
	Size    int64 `toml:"size" env:"RBDCORE_SIZE" env-default:"8" env-description:"Volume size in GB."`
	Workers int   `toml:"workers" env:"RBDCORE_WORKERS" env-default:"16" env-description:"Work queue worker pool size."`

	Striping struct {
		ObjectSize  int64 `toml:"object_size" env:"RBDCORE_STRIPE_OBJECTSIZE" env-default:"4194304" env-description:"Size in bytes of one backing object."`
		StripeUnit  int64 `toml:"stripe_unit" env:"RBDCORE_STRIPE_UNIT" env-default:"4194304" env-description:"Size in bytes of one stripe unit."`
		StripeCount int64 `toml:"stripe_count" env:"RBDCORE_STRIPE_COUNT" env-default:"1" env-description:"Number of objects one stripe spans before wrapping."`
	} `toml:"striping"`

	Journal struct {
		Enabled      bool   `toml:"enabled" env:"RBDCORE_JOURNAL_ENABLED" env-default:"false" env-description:"Mirror mutating events into a write-ahead journal."`
		Path         string `toml:"path" env:"RBDCORE_JOURNAL_PATH" env-default:"/var/lib/rbdcore/journal" env-description:"Path to the durable journal file."`
		MaxReplayTry int    `toml:"max_replay_attempts" env:"RBDCORE_JOURNAL_MAXREPLAY" env-default:"3" env-description:"Bounded retry count for restarting a failed replay. Not read by the journal, whose bound is fixed at 3 attempts."`
		QueueDepth   int    `toml:"queue_depth" env:"RBDCORE_JOURNAL_QUEUEDEPTH" env-default:"128" env-description:"Maximum number of in-flight, not-yet-safe journal events. Not enforced: the journal places no bound on in-flight events."`
	} `toml:"journal"`

	Cache struct {
		Enabled      bool  `toml:"enabled" env:"RBDCORE_CACHE_ENABLED" env-default:"false" env-description:"Route writes through the write-back cache before dispatch."`
		MaxReadahead int64 `toml:"max_readahead" env:"RBDCORE_CACHE_READAHEAD" env-default:"0" env-description:"Bytes of best-effort readahead issued past the last requested range."`
	} `toml:"cache"`

	Watcher struct {
		Enabled      bool `toml:"enabled" env:"RBDCORE_WATCHER_ENABLED" env-default:"false" env-description:"Gate writes on distributed-lock ownership through the image watcher. Not read: rbdcored attaches no watcher to the volume."`
		PollInterval int  `toml:"poll_interval_ms" env:"RBDCORE_WATCHER_POLLINTERVAL" env-default:"1000" env-description:"Poll interval in ms for checking lock-acquisition progress. Not read: nothing polls lock-acquisition progress."`
	} `toml:"watcher"`

	NonBlockingAio     bool `toml:"non_blocking_aio" env:"RBDCORE_NONBLOCKINGAIO" env-default:"false" env-description:"Always dispatch through the work queue instead of running inline when possible."`
	SkipPartialDiscard bool `toml:"skip_partial_discard" env:"RBDCORE_SKIPPARTIALDISCARD" env-default:"false" env-description:"Suppress interior Zero discard children, short-circuiting them with success."`

	S3 struct {
		Bucket    string `toml:"bucket" env:"RBDCORE_S3_BUCKET" env-description:"S3 Bucket name." env-default:"rbdcore"`
		Remote    string `toml:"remote" env:"RBDCORE_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"RBDCORE_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"RBDCORE_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"RBDCORE_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
	} `toml:"s3"`

	Log struct {
		Level  int  `toml:"level" env:"RBDCORE_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"RBDCORE_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"RBDCORE_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"RBDCORE_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Size *= 1024 * 1024 * 1024

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("rbdcored", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
