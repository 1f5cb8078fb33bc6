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

// Package cfg holds the mount configuration: flag definitions, the YAML
// schema, decoding, and validation.
package cfg

import (
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	CacheDir      string        `yaml:"cache-dir" mapstructure:"cache-dir"`
	CacheBytesMax ByteSize      `yaml:"cache-bytes-max" mapstructure:"cache-bytes-max"`
	BlockSize     ByteSize      `yaml:"block-size" mapstructure:"block-size"`
	BlockTTL      time.Duration `yaml:"block-ttl" mapstructure:"block-ttl"`

	DirtyFlushInterval time.Duration `yaml:"dirty-flush-interval" mapstructure:"dirty-flush-interval"`

	Remote      RemoteConfig      `yaml:"remote" mapstructure:"remote"`
	InodeStore  InodeStoreConfig  `yaml:"inode-store" mapstructure:"inode-store"`
	CoordStore  CoordStoreConfig  `yaml:"coord-store" mapstructure:"coord-store"`
	Concurrency ConcurrencyConfig `yaml:"concurrency" mapstructure:"concurrency"`
	FileSystem  FileSystemConfig  `yaml:"file-system" mapstructure:"file-system"`
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
	Debug       DebugConfig       `yaml:"debug" mapstructure:"debug"`

	Foreground bool `yaml:"foreground" mapstructure:"foreground"`
}

type RemoteConfig struct {
	Endpoint       string        `yaml:"endpoint" mapstructure:"endpoint"`
	RootCapability string        `yaml:"root-capability" mapstructure:"root-capability"`
	NetworkTimeout time.Duration `yaml:"network-timeout" mapstructure:"network-timeout"`

	// RequestsPerSecond limits calls issued to the backend. Zero disables
	// limiting.
	RequestsPerSecond float64 `yaml:"requests-per-second" mapstructure:"requests-per-second"`
}

type InodeStoreConfig struct {
	// URL is the DSN of the relational store holding inode rows and
	// directory entries, e.g. file:/var/lib/truckeefs/inodes.db.
	URL string `yaml:"url" mapstructure:"url"`
}

type CoordStoreConfig struct {
	// URL of the coordination service, e.g. redis://localhost:6379/0.
	// Empty selects the in-process implementation, which is sufficient for
	// the single-host mounts this system supports.
	URL string `yaml:"url" mapstructure:"url"`

	LockTTL time.Duration `yaml:"lock-ttl" mapstructure:"lock-ttl"`
}

type ConcurrencyConfig struct {
	GlobalDownloads   int `yaml:"global-downloads" mapstructure:"global-downloads"`
	PerInodeDownloads int `yaml:"per-inode-downloads" mapstructure:"per-inode-downloads"`
	GlobalUploads     int `yaml:"global-uploads" mapstructure:"global-uploads"`
	PushRetries       int `yaml:"push-retries" mapstructure:"push-retries"`
	Workers           int `yaml:"workers" mapstructure:"workers"`
}

type FileSystemConfig struct {
	Uid      int64 `yaml:"uid" mapstructure:"uid"`
	Gid      int64 `yaml:"gid" mapstructure:"gid"`
	FileMode Octal `yaml:"file-mode" mapstructure:"file-mode"`
	DirMode  Octal `yaml:"dir-mode" mapstructure:"dir-mode"`
}

type LoggingConfig struct {
	FilePath string      `yaml:"file-path" mapstructure:"file-path"`
	Severity LogSeverity `yaml:"severity" mapstructure:"severity"`
	Format   string      `yaml:"format" mapstructure:"format"`

	MaxFileSizeMB int  `yaml:"max-file-size-mb" mapstructure:"max-file-size-mb"`
	MaxBackups    int  `yaml:"max-backups" mapstructure:"max-backups"`
	Compress      bool `yaml:"compress" mapstructure:"compress"`
}

type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation" mapstructure:"exit-on-invariant-violation"`
	LogMutex                 bool `yaml:"log-mutex" mapstructure:"log-mutex"`
	FuseTrace                bool `yaml:"fuse-trace" mapstructure:"fuse-trace"`
}

// BindFlags declares every flag and binds it to its viper key.
func BindFlags(flagSet *pflag.FlagSet) error {
	flags := []struct {
		key      string
		declare  func()
	}{
		{"cache-dir", func() { flagSet.String("cache-dir", "", "Directory for the local block cache.") }},
		{"cache-bytes-max", func() { flagSet.String("cache-bytes-max", "1GiB", "Maximum bytes of local cache.") }},
		{"block-size", func() { flagSet.String("block-size", "128KiB", "Cache block size.") }},
		{"block-ttl", func() { flagSet.Duration("block-ttl", time.Hour, "How long a cached block is considered fresh.") }},
		{"dirty-flush-interval", func() { flagSet.Duration("dirty-flush-interval", 30*time.Second, "How often dirty inodes are pushed upstream.") }},
		{"remote.endpoint", func() { flagSet.String("remote-endpoint", "", "URL of the remote object store gateway.") }},
		{"remote.root-capability", func() { flagSet.String("root-capability", "", "Capability naming the root directory object.") }},
		{"remote.network-timeout", func() { flagSet.Duration("network-timeout", 30*time.Second, "Timeout for each remote call.") }},
		{"remote.requests-per-second", func() { flagSet.Float64("requests-per-second", 0, "Limit on backend requests per second. Zero disables limiting.") }},
		{"inode-store.url", func() { flagSet.String("inode-store-url", "", "DSN of the inode metadata store.") }},
		{"coord-store.url", func() { flagSet.String("coord-store-url", "", "URL of the coordination store. Empty uses the in-process store.") }},
		{"coord-store.lock-ttl", func() { flagSet.Duration("lock-ttl", time.Minute, "TTL on coordination locks.") }},
		{"concurrency.global-downloads", func() { flagSet.Int("global-downloads", 16, "Maximum concurrent block downloads.") }},
		{"concurrency.per-inode-downloads", func() { flagSet.Int("per-inode-downloads", 4, "Maximum concurrent block downloads per inode.") }},
		{"concurrency.global-uploads", func() { flagSet.Int("global-uploads", 4, "Maximum concurrent inode uploads.") }},
		{"concurrency.push-retries", func() { flagSet.Int("push-retries", 5, "Attempts for a push that keeps losing the version race.") }},
		{"concurrency.workers", func() { flagSet.Int("workers", 8, "Workers in the operation pool.") }},
		{"file-system.uid", func() { flagSet.Int64("uid", -1, "UID owning all inodes. -1 uses the caller's UID.") }},
		{"file-system.gid", func() { flagSet.Int64("gid", -1, "GID owning all inodes. -1 uses the caller's GID.") }},
		{"file-system.file-mode", func() { flagSet.String("file-mode", "644", "Permission bits for files, in octal.") }},
		{"file-system.dir-mode", func() { flagSet.String("dir-mode", "755", "Permission bits for directories, in octal.") }},
		{"logging.file-path", func() { flagSet.String("log-file", "", "Log file path. Empty logs to stderr.") }},
		{"logging.severity", func() { flagSet.String("log-severity", "INFO", "Minimum log severity.") }},
		{"logging.format", func() { flagSet.String("log-format", "text", "Log format: text or json.") }},
		{"debug.exit-on-invariant-violation", func() { flagSet.Bool("debug_invariants", false, "Exit when internal invariants are violated.") }},
		{"debug.log-mutex", func() { flagSet.Bool("debug_mutex", false, "Print debug messages when a mutex is held too long.") }},
		{"debug.fuse-trace", func() { flagSet.Bool("debug_fuse", false, "Log every fuse op and its result.") }},
		{"foreground", func() { flagSet.Bool("foreground", false, "Stay in the foreground after mounting.") }},
	}

	for _, f := range flags {
		f.declare()
	}

	// Flag names and viper keys differ where nesting applies; bind explicitly.
	bindings := map[string]string{
		"cache-dir":                        "cache-dir",
		"cache-bytes-max":                  "cache-bytes-max",
		"block-size":                       "block-size",
		"block-ttl":                        "block-ttl",
		"dirty-flush-interval":             "dirty-flush-interval",
		"remote.endpoint":                  "remote-endpoint",
		"remote.root-capability":           "root-capability",
		"remote.network-timeout":           "network-timeout",
		"remote.requests-per-second":       "requests-per-second",
		"inode-store.url":                  "inode-store-url",
		"coord-store.url":                  "coord-store-url",
		"coord-store.lock-ttl":             "lock-ttl",
		"concurrency.global-downloads":     "global-downloads",
		"concurrency.per-inode-downloads":  "per-inode-downloads",
		"concurrency.global-uploads":       "global-uploads",
		"concurrency.push-retries":         "push-retries",
		"concurrency.workers":              "workers",
		"file-system.uid":                  "uid",
		"file-system.gid":                  "gid",
		"file-system.file-mode":            "file-mode",
		"file-system.dir-mode":             "dir-mode",
		"logging.file-path":                "log-file",
		"logging.severity":                 "log-severity",
		"logging.format":                   "log-format",
		"debug.exit-on-invariant-violation": "debug_invariants",
		"debug.log-mutex":                  "debug_mutex",
		"debug.fuse-trace":                 "debug_fuse",
		"foreground":                       "foreground",
	}

	for key, flagName := range bindings {
		if err := viper.BindPFlag(key, flagSet.Lookup(flagName)); err != nil {
			return err
		}
	}

	return nil
}

// DecodeHook converts the string forms viper hands us into typed fields.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		octalHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func octalHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(Octal(0)) {
			return data, nil
		}
		var o Octal
		if err := o.UnmarshalText([]byte(data.(string))); err != nil {
			return nil, err
		}
		return o, nil
	}
}

// Load unmarshals the merged flag/file/env view into a Config.
func Load(v *viper.Viper) (Config, error) {
	var c Config
	err := v.Unmarshal(&c, viper.DecodeHook(DecodeHook()))
	return c, err
}
