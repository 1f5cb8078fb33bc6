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

package fs

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eons-dev/truckeefs/clock"
	"github.com/eons-dev/truckeefs/internal/blockstore"
	"github.com/eons-dev/truckeefs/internal/cache"
	"github.com/eons-dev/truckeefs/internal/coordstore"
	"github.com/eons-dev/truckeefs/internal/fsops"
	"github.com/eons-dev/truckeefs/internal/handle"
	"github.com/eons-dev/truckeefs/internal/inodestore"
	"github.com/eons-dev/truckeefs/internal/locker"
	"github.com/eons-dev/truckeefs/internal/remote"
	"github.com/eons-dev/truckeefs/internal/syncer"
	"github.com/eons-dev/truckeefs/ttlcache"
)

const testBlockSize = 4096

// newFS builds the fuse-facing file system over in-memory stores and the
// fake backend, calling the op methods directly instead of mounting.
func newFS(t *testing.T) (*fileSystem, *remote.Fake, context.Context) {
	t.Helper()

	c := clock.NewSimulatedClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	blocks, err := blockstore.New(t.TempDir(), testBlockSize, c)
	require.NoError(t, err)

	inodes := inodestore.NewMem()
	coord := coordstore.NewMem(c)
	t.Cleanup(func() { coord.Close() })

	backend := remote.NewFake()
	lockers := locker.NewSet()

	mgr := cache.NewManager(
		cache.Config{
			BlockSize:     testBlockSize,
			CacheBytesMax: 1 << 30,
			BlockTTL:      time.Hour,
		},
		blocks, inodes, coord, c, nil, lockers)

	engine := syncer.New(
		syncer.Config{}, blocks, inodes, coord, backend, c, nil, lockers,
		nil, syncer.Hooks{})
	mgr.SetSync(engine, engine)

	rootRef := backend.SeedDir(nil)
	root := &inodestore.Inode{
		Kind:      inodestore.KindDir,
		Mode:      0755,
		Nlink:     2,
		RemoteRef: string(rootRef),
	}
	_, err = inodes.Insert(context.Background(), root)
	require.NoError(t, err)

	env := &fsops.Env{
		Cache:     mgr,
		Sync:      engine,
		Handles:   handle.NewTable(c, inodes),
		Inodes:    inodes,
		Clock:     c,
		Uid:       1000,
		Gid:       1000,
		FilePerms: 0644,
		DirPerms:  0755,
	}

	fs := &fileSystem{
		env:           env,
		blocks:        blocks,
		cacheBytesMax: 1 << 30,
		attrTTL:       time.Minute,
		lookups:       ttlcache.New[string, inodestore.ID](time.Minute, 0),
		dirOffsets:    make(map[fuseops.HandleID]fuseops.DirOffset),
	}

	return fs, backend, context.Background()
}

func TestCreateWriteReadThroughFuseOps(t *testing.T) {
	fs, _, ctx := newFS(t)

	create := &fuseops.CreateFileOp{
		Parent: fuseops.RootInodeID,
		Name:   "x",
		Mode:   0644,
	}
	require.NoError(t, fs.CreateFile(ctx, create))
	require.NotZero(t, create.Entry.Child)
	assert.Equal(t, os.FileMode(0644), create.Entry.Attributes.Mode.Perm())

	write := &fuseops.WriteFileOp{
		Inode:  create.Entry.Child,
		Handle: create.Handle,
		Offset: 0,
		Data:   []byte("through the kernel bridge"),
	}
	require.NoError(t, fs.WriteFile(ctx, write))

	read := &fuseops.ReadFileOp{
		Inode:  create.Entry.Child,
		Handle: create.Handle,
		Offset: 0,
		Size:   100,
		Dst:    make([]byte, 100),
	}
	require.NoError(t, fs.ReadFile(ctx, read))
	assert.Equal(t, []byte("through the kernel bridge"), read.Dst[:read.BytesRead])
}

func TestLookupCachesPositiveResults(t *testing.T) {
	fs, _, ctx := newFS(t)

	create := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "cached", Mode: 0644}
	require.NoError(t, fs.CreateFile(ctx, create))

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "cached"}
	require.NoError(t, fs.LookUpInode(ctx, lookup))
	assert.Equal(t, create.Entry.Child, lookup.Entry.Child)

	// Cached now.
	_, ok := fs.lookups.Get(lookupKey(inodestore.RootID, "cached"))
	assert.True(t, ok)

	// Unlink invalidates the cache entry.
	unlink := &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "cached"}
	// A handle is still open from CreateFile, so the inode survives; the
	// name must be gone regardless.
	require.NoError(t, fs.Unlink(ctx, unlink))

	_, ok = fs.lookups.Get(lookupKey(inodestore.RootID, "cached"))
	assert.False(t, ok)

	err := fs.LookUpInode(ctx, &fuseops.LookUpInodeOp{
		Parent: fuseops.RootInodeID, Name: "cached",
	})
	assert.Equal(t, syscall.ENOENT, err)
}

func TestReadDirThroughFuseOps(t *testing.T) {
	fs, _, ctx := newFS(t)

	for _, name := range []string{"b", "a", "c"} {
		create := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: name, Mode: 0644}
		require.NoError(t, fs.CreateFile(ctx, create))
	}

	openDir := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	require.NoError(t, fs.OpenDir(ctx, openDir))

	readDir := &fuseops.ReadDirOp{
		Inode:  fuseops.RootInodeID,
		Handle: openDir.Handle,
		Offset: 0,
		Dst:    make([]byte, 4096),
	}
	require.NoError(t, fs.ReadDir(ctx, readDir))
	require.NotZero(t, readDir.BytesRead)

	// A later call at the consumed offset returns nothing more.
	next := &fuseops.ReadDirOp{
		Inode:  fuseops.RootInodeID,
		Handle: openDir.Handle,
		Offset: 3,
		Dst:    make([]byte, 4096),
	}
	require.NoError(t, fs.ReadDir(ctx, next))
	assert.Zero(t, next.BytesRead)

	// Bad offsets are rejected.
	bad := &fuseops.ReadDirOp{
		Inode:  fuseops.RootInodeID,
		Handle: openDir.Handle,
		Offset: 99,
		Dst:    make([]byte, 4096),
	}
	assert.Equal(t, syscall.EINVAL, fs.ReadDir(ctx, bad))

	require.NoError(t, fs.ReleaseDirHandle(ctx, &fuseops.ReleaseDirHandleOp{
		Handle: openDir.Handle,
	}))
}

func TestMkDirAndStatFS(t *testing.T) {
	fs, _, ctx := newFS(t)

	mk := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "dir", Mode: 0700}
	require.NoError(t, fs.MkDir(ctx, mk))
	assert.True(t, mk.Entry.Attributes.Mode.IsDir())

	statfs := &fuseops.StatFSOp{}
	require.NoError(t, fs.StatFS(ctx, statfs))
	assert.NotZero(t, statfs.Blocks)
}

func TestSymlinkThroughFuseOps(t *testing.T) {
	fs, _, ctx := newFS(t)

	create := &fuseops.CreateSymlinkOp{
		Parent: fuseops.RootInodeID,
		Name:   "ln",
		Target: "/over/there",
	}
	require.NoError(t, fs.CreateSymlink(ctx, create))

	read := &fuseops.ReadSymlinkOp{Inode: create.Entry.Child}
	require.NoError(t, fs.ReadSymlink(ctx, read))
	assert.Equal(t, "/over/there", read.Target)
}

func TestSyncFilePushesUpstream(t *testing.T) {
	fs, backend, ctx := newFS(t)

	create := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "x", Mode: 0644}
	require.NoError(t, fs.CreateFile(ctx, create))

	write := &fuseops.WriteFileOp{
		Inode: create.Entry.Child, Handle: create.Handle,
		Offset: 0, Data: []byte("durable"),
	}
	require.NoError(t, fs.WriteFile(ctx, write))

	require.NoError(t, fs.SyncFile(ctx, &fuseops.SyncFileOp{
		Inode: create.Entry.Child, Handle: create.Handle,
	}))

	in, err := fs.env.Inodes.Get(ctx, inodestore.ID(create.Entry.Child))
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), backend.Object(remote.Ref(in.RemoteRef)))
}
