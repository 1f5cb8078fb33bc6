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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/fuse"
	"github.com/kardianos/osext"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/eons-dev/truckeefs/cfg"
	"github.com/eons-dev/truckeefs/clock"
	"github.com/eons-dev/truckeefs/internal/blockstore"
	"github.com/eons-dev/truckeefs/internal/cache"
	"github.com/eons-dev/truckeefs/internal/coordstore"
	"github.com/eons-dev/truckeefs/internal/exec"
	"github.com/eons-dev/truckeefs/internal/fserr"
	fsserver "github.com/eons-dev/truckeefs/internal/fs"
	"github.com/eons-dev/truckeefs/internal/fsops"
	"github.com/eons-dev/truckeefs/internal/handle"
	"github.com/eons-dev/truckeefs/internal/inodestore"
	"github.com/eons-dev/truckeefs/internal/locker"
	"github.com/eons-dev/truckeefs/internal/logger"
	"github.com/eons-dev/truckeefs/internal/monitor"
	"github.com/eons-dev/truckeefs/internal/remote"
	"github.com/eons-dev/truckeefs/internal/syncer"
)

// runMount daemonizes unless asked to stay in the foreground, then mounts
// and serves until unmounted or signalled.
func runMount(config cfg.Config, mountPoint string) error {
	if !config.Foreground {
		return daemonizeSelf(mountPoint)
	}

	err := mountAndServe(config, mountPoint)

	// Tell the invoking process how things went; harmless when we were not
	// started by the daemonize parent.
	_ = daemonize.SignalOutcome(err)
	return err
}

// daemonizeSelf re-invokes this binary with --foreground as a daemon and
// waits for it to report a successful mount.
func daemonizeSelf(mountPoint string) error {
	path, err := osext.Executable()
	if err != nil {
		return fmt.Errorf("locate own executable: %w", err)
	}

	args := append([]string{"--foreground"}, os.Args[1:]...)

	env := append(os.Environ(), "TRUCKEEFS_DAEMON=1")
	return daemonize.Run(path, args, env, os.Stderr, os.Stderr)
}

func mountAndServe(config cfg.Config, mountPoint string) (err error) {
	if err = logger.Init(logger.Config{
		FilePath:    config.Logging.FilePath,
		Severity:    string(config.Logging.Severity),
		Format:      config.Logging.Format,
		MaxSizeMB:   config.Logging.MaxFileSizeMB,
		MaxBackups:  config.Logging.MaxBackups,
		CompressOld: config.Logging.Compress,
	}); err != nil {
		return err
	}
	defer logger.Close()

	if config.Debug.ExitOnInvariantViolation {
		locker.EnableInvariantsCheck()
	}
	if config.Debug.LogMutex {
		locker.EnableDebugMessages()
	}

	if rendered, err := cfg.Stringify(config); err == nil {
		logger.Debugf("effective configuration:\n%s", rendered)
	}

	ctx := context.Background()
	clk := clock.RealClock{}

	// Stores, leaves first.
	blocks, err := blockstore.New(config.CacheDir, int64(config.BlockSize), clk)
	if err != nil {
		return fmt.Errorf("open block store: %w", err)
	}

	inodes, err := inodestore.NewSQL(config.InodeStore.URL)
	if err != nil {
		return err
	}
	defer inodes.Close()

	var coord coordstore.Store
	if config.CoordStore.URL != "" {
		coord, err = coordstore.NewRedis(config.CoordStore.URL)
		if err != nil {
			return err
		}
	} else {
		coord = coordstore.NewMem(clk)
	}
	defer coord.Close()

	backend, err := remote.NewHTTP(remote.HTTPConfig{
		Endpoint:          config.Remote.Endpoint,
		Timeout:           config.Remote.NetworkTimeout,
		RequestsPerSecond: config.Remote.RequestsPerSecond,
	})
	if err != nil {
		return err
	}

	if err = ensureRoot(ctx, inodes, &config); err != nil {
		return err
	}

	// Composition.
	lockers := locker.NewSet()
	metrics := monitor.New(prometheus.DefaultRegisterer)

	mgr := cache.NewManager(
		cache.Config{
			BlockSize:          int64(config.BlockSize),
			CacheBytesMax:      int64(config.CacheBytesMax),
			BlockTTL:           config.BlockTTL,
			DirtyFlushInterval: config.DirtyFlushInterval,
		},
		blocks, inodes, coord, clk, metrics, lockers)

	engine := syncer.New(
		syncer.Config{
			GlobalDownloads:   int64(config.Concurrency.GlobalDownloads),
			PerInodeDownloads: int64(config.Concurrency.PerInodeDownloads),
			GlobalUploads:     int64(config.Concurrency.GlobalUploads),
			PushRetries:       config.Concurrency.PushRetries,
			LockTTL:           config.CoordStore.LockTTL,
		},
		blocks, inodes, coord, backend, clk, metrics, lockers,
		syncer.LWWByMtime{}, syncer.Hooks{})
	mgr.SetSync(engine, engine)

	// Startup consistency: a missing clean-shutdown marker means the last
	// run died with the cache possibly mid-mutation.
	if st, ok := cache.LoadState(config.CacheDir); !ok || !st.CleanShutdown {
		if err = mgr.Sweep(ctx); err != nil {
			return fmt.Errorf("startup sweep: %w", err)
		}
	}
	if err = cache.MarkMounted(config.CacheDir); err != nil {
		return err
	}

	pool, err := exec.NewStaticWorkerPool(2, chooseWorkerCount(config.Concurrency.Workers))
	if err != nil {
		return err
	}
	defer pool.Stop()

	executor := exec.NewExecutor(pool, clk)

	env := &fsops.Env{
		Cache:     mgr,
		Sync:      engine,
		Handles:   handle.NewTable(clk, inodes),
		Inodes:    inodes,
		Clock:     clk,
		Exec:      executor,
		Uid:       uint32(config.FileSystem.Uid),
		Gid:       uint32(config.FileSystem.Gid),
		FilePerms: os.FileMode(config.FileSystem.FileMode),
		DirPerms:  os.FileMode(config.FileSystem.DirMode),
	}

	server, err := fsserver.NewServer(&fsserver.ServerConfig{
		Env:           env,
		Blocks:        blocks,
		CacheBytesMax: int64(config.CacheBytesMax),
		AttrTTL:       config.BlockTTL,
		TraceOps:      config.Debug.FuseTrace,
	})
	if err != nil {
		return err
	}

	if err = mgr.StartInvalidationLoop(ctx); err != nil {
		return err
	}
	defer mgr.StopInvalidationLoop()

	executor.StartDirtyFlusher(ctx, config.DirtyFlushInterval, inodes, engine)
	defer executor.StopDirtyFlusher()

	mfs, err := fuse.Mount(mountPoint, server, &fuse.MountConfig{
		FSName:      "truckeefs",
		VolumeName:  "truckeefs",
		ErrorLogger: nil,
	})
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	logger.Infof("mounted at %s", mountPoint)

	// Unmount on SIGINT/SIGTERM.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		for range sigCh {
			logger.Infof("received signal, unmounting %s", mountPoint)
			if err := fuse.Unmount(mountPoint); err != nil {
				logger.Errorf("unmount: %v", err)
				continue
			}
			return
		}
	}()

	if err = mfs.Join(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	// Orderly teardown: drain dirty state, then mark the shutdown clean.
	if err = drainDirty(ctx, inodes, engine); err != nil {
		logger.Errorf("drain on unmount: %v", err)
		return err
	}

	return cache.MarkCleanShutdown(config.CacheDir)
}

// chooseWorkerCount bounds the configured worker count by the process's
// file descriptor limit: every worker may hold a block file and a sidecar
// open, and the fuse connection and stores need headroom.
func chooseWorkerCount(configured int) uint32 {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		logger.Warnf("failed to query RLIMIT_NOFILE: %v", err)
		return uint32(configured)
	}

	// Use about a quarter of the limit, two descriptors per worker.
	limit := rlimit.Cur / 8
	if limit < 1 {
		limit = 1
	}
	if uint64(configured) > limit {
		logger.Warnf(
			"capping workers at %d for RLIMIT_NOFILE %d", limit, rlimit.Cur)
		return uint32(limit)
	}
	return uint32(configured)
}

// ensureRoot creates the root inode row bound to the configured root
// capability on first mount.
func ensureRoot(
	ctx context.Context,
	inodes inodestore.Store,
	config *cfg.Config) error {
	_, err := inodes.Get(ctx, inodestore.RootID)
	if err == nil {
		return nil
	}
	if !fserr.Is(err, fserr.KindNotFound) {
		return err
	}

	root := &inodestore.Inode{
		Kind:      inodestore.KindDir,
		Mode:      os.FileMode(config.FileSystem.DirMode),
		Uid:       uint32(config.FileSystem.Uid),
		Gid:       uint32(config.FileSystem.Gid),
		Nlink:     2,
		RemoteRef: config.Remote.RootCapability,
	}

	id, err := inodes.Insert(ctx, root)
	if err != nil {
		return err
	}
	if id != inodestore.RootID {
		return fmt.Errorf("root inode landed at ID %d", id)
	}
	return nil
}

// drainDirty pushes every dirty inode before declaring the shutdown clean.
func drainDirty(
	ctx context.Context,
	inodes inodestore.Store,
	engine *syncer.Engine) error {
	const batch = 64

	for {
		dirty, err := inodes.NextDirty(ctx, batch)
		if err != nil {
			return err
		}
		if len(dirty) == 0 {
			return nil
		}

		for _, in := range dirty {
			if err := engine.PushInode(ctx, in.ID); err != nil {
				return fmt.Errorf("drain inode %d: %w", in.ID, err)
			}
		}
	}
}
