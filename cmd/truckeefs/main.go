// Copyright 2024 The TruckeeFS Authors. All Rights Reserved.
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

// truckeefs mounts a distributed content-addressed object store as a local
// POSIX filesystem with a block-level cache in between.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eons-dev/truckeefs/cfg"
)

var (
	cfgFile string
	bindErr error
)

var rootCmd = &cobra.Command{
	Use:   "truckeefs [flags] mount_point",
	Short: "Mount a Tahoe-style object grid as a local filesystem",
	Long: `TruckeeFS presents a distributed, content-addressed object store as a
locally-mounted directory tree. Reads are served from a block-level local
cache when possible; writes are staged locally and reconciled upstream in
the background.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}

		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("read config file: %w", err)
			}
		}

		config, err := cfg.Load(viper.GetViper())
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}

		cfg.ApplyDefaults(&config)
		if err := cfg.Validate(&config); err != nil {
			return err
		}

		return runMount(config, args[0])
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config-file", "", "Path to a YAML config file.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "truckeefs: %v\n", err)
		os.Exit(1)
	}
}
