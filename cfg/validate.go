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

package cfg

import (
	"fmt"
	"os"
)

// Validate checks the config for contradictions before anything is mounted.
func Validate(c *Config) error {
	if c.CacheDir == "" {
		return fmt.Errorf("cache-dir must be set")
	}

	if c.BlockSize <= 0 {
		return fmt.Errorf("block-size must be positive, got %d", c.BlockSize)
	}

	if c.CacheBytesMax < ByteSize(c.BlockSize) {
		return fmt.Errorf(
			"cache-bytes-max (%d) must hold at least one block (%d)",
			c.CacheBytesMax, c.BlockSize)
	}

	if c.Remote.Endpoint == "" {
		return fmt.Errorf("remote-endpoint must be set")
	}

	if c.Remote.RootCapability == "" {
		return fmt.Errorf("root-capability must be set")
	}

	if c.InodeStore.URL == "" {
		return fmt.Errorf("inode-store-url must be set")
	}

	if c.FileSystem.FileMode&^Octal(os.ModePerm) != 0 {
		return fmt.Errorf("illegal file-mode: %o", c.FileSystem.FileMode)
	}

	if c.FileSystem.DirMode&^Octal(os.ModePerm) != 0 {
		return fmt.Errorf("illegal dir-mode: %o", c.FileSystem.DirMode)
	}

	for _, n := range []struct {
		name string
		v    int
	}{
		{"global-downloads", c.Concurrency.GlobalDownloads},
		{"per-inode-downloads", c.Concurrency.PerInodeDownloads},
		{"global-uploads", c.Concurrency.GlobalUploads},
		{"push-retries", c.Concurrency.PushRetries},
		{"workers", c.Concurrency.Workers},
	} {
		if n.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", n.name, n.v)
		}
	}

	return nil
}

// ApplyDefaults fills fields whose zero value is not a usable default.
func ApplyDefaults(c *Config) {
	if c.FileSystem.Uid < 0 {
		c.FileSystem.Uid = int64(os.Getuid())
	}
	if c.FileSystem.Gid < 0 {
		c.FileSystem.Gid = int64(os.Getgid())
	}
	if c.FileSystem.FileMode == 0 {
		c.FileSystem.FileMode = 0644
	}
	if c.FileSystem.DirMode == 0 {
		c.FileSystem.DirMode = 0755
	}
}
