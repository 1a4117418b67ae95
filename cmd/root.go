// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd wires the shardfsctl command line: flag and config-file
// parsing through cobra and viper, resolution into a cfg.Config, and
// dispatch into the volume runner.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shardfs/shardfs/cfg"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error

	// VolumeConfig is the fully resolved configuration the mount command
	// runs with. Exposed for tests.
	VolumeConfig cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "shardfsctl [flags] child_root volume_name",
	Short: "Run a sharded volume over a local child directory",
	Long: `shardfsctl runs the shard translator core over a POSIX-like child
store rooted at child_root: large files are split into fixed-size
block files under the volume's internal .shard directory, and
unlink/rename of sharded files is followed by background deletion of
their shards.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		if err := cfg.ValidateConfig(&VolumeConfig); err != nil {
			return err
		}
		return runVolume(cmd.Context(), args[0], args[1], &VolumeConfig)
	},
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			configFileErr = fmt.Errorf("reading config file %q: %w", cfgFile, err)
			return
		}
	}
	VolumeConfig = cfg.DefaultConfig()
	unmarshalErr = viper.Unmarshal(&VolumeConfig, viper.DecodeHook(cfg.DecodeHook()))
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

// Execute runs the root command; it is the only entry point main needs.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
