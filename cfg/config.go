// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the top-level, fully resolved configuration for a mounted
// shardfs volume. It is populated from flags, a config file, and
// defaults, in that order of precedence, then validated.
type Config struct {
	Shard ShardConfig `yaml:"shard" mapstructure:"shard"`

	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	Debug DebugConfig `yaml:"debug" mapstructure:"debug"`
}

// ShardConfig carries the three volume options from the
// configurable-knobs table.
type ShardConfig struct {
	// BlockSize is assigned to newly created files; immutable thereafter.
	// Range: 4MiB..4TiB. Default: 64MiB.
	BlockSize ByteSize `yaml:"block-size" mapstructure:"block-size"`

	// LRULimit bounds the number of shard inodes kept resolved in memory.
	// Range: 20..MaxInt. Default: 16384.
	LRULimit int `yaml:"lru-limit" mapstructure:"lru-limit"`

	// DeletionRate bounds the number of concurrent shard unlinks per batch
	// in the background deletion worker. Range: 100..MaxInt. Default: 100.
	DeletionRate int `yaml:"deletion-rate" mapstructure:"deletion-rate"`
}

type LoggingConfig struct {
	Severity LogSeverity `yaml:"severity" mapstructure:"severity"`

	Format string `yaml:"format" mapstructure:"format"` // "text" or "json"

	FilePath string `yaml:"file-path" mapstructure:"file-path"` // empty means stderr

	LogRotate LogRotateConfig `yaml:"log-rotate" mapstructure:"log-rotate"`
}

type LogRotateConfig struct {
	MaxFileSizeMB   int  `yaml:"max-file-size-mb" mapstructure:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count" mapstructure:"backup-file-count"`
	Compress        bool `yaml:"compress" mapstructure:"compress"`
}

type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation" mapstructure:"exit-on-invariant-violation"`
}

// BindFlags registers every shardfs flag on flagSet and binds it into
// viper under the matching config key, mirroring the
// generated flag/viper wiring.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("shard-block-size", "", "64MiB", "Size of each shard; applies to newly created files only.")
	if err = viper.BindPFlag("shard.block-size", flagSet.Lookup("shard-block-size")); err != nil {
		return err
	}

	flagSet.IntP("shard-lru-limit", "", 16384, "Maximum number of resolved shard inodes kept in memory.")
	if err = viper.BindPFlag("shard.lru-limit", flagSet.Lookup("shard-lru-limit")); err != nil {
		return err
	}

	flagSet.IntP("shard-deletion-rate", "", 100, "Maximum concurrent shard unlinks per background-deletion batch.")
	if err = viper.BindPFlag("shard.deletion-rate", flagSet.Lookup("shard-deletion-rate")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "INFO", "Logging severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	if err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "Log output format: text or json.")
	if err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Path to the log file. Empty means log to stderr.")
	if err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.BoolP("debug-invariants", "", false, "Exit when internal invariants are violated.")
	if err = viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug-invariants")); err != nil {
		return err
	}

	return nil
}
