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

package fsops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eons-dev/truckeefs/clock"
	"github.com/eons-dev/truckeefs/internal/blockstore"
	"github.com/eons-dev/truckeefs/internal/cache"
	"github.com/eons-dev/truckeefs/internal/coordstore"
	"github.com/eons-dev/truckeefs/internal/handle"
	"github.com/eons-dev/truckeefs/internal/inodestore"
	"github.com/eons-dev/truckeefs/internal/locker"
	"github.com/eons-dev/truckeefs/internal/remote"
	"github.com/eons-dev/truckeefs/internal/syncer"
)

// remount builds a second, completely fresh mount environment over the same
// backend and root capability, as if the host had unmounted and mounted
// again with an empty cache and a new metadata store.
func remount(t *testing.T, backend *remote.Fake, rootRef remote.Ref) *fixture {
	t.Helper()

	c := clock.NewSimulatedClock(time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC))
	blocks, err := blockstore.New(t.TempDir(), testBlockSize, c)
	require.NoError(t, err)

	inodes := inodestore.NewMem()
	coord := coordstore.NewMem(c)
	t.Cleanup(func() { coord.Close() })

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

	root := &inodestore.Inode{
		Kind:      inodestore.KindDir,
		Mode:      0755,
		Nlink:     2,
		RemoteRef: string(rootRef),
	}
	_, err = inodes.Insert(context.Background(), root)
	require.NoError(t, err)

	env := &Env{
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

	return &fixture{
		env:     env,
		backend: backend,
		blocks:  blocks,
		clock:   c,
		rootRef: rootRef,
		ctx:     context.Background(),
	}
}

// Mount empty; mkdir /a; write /a/x; sync; remount cold; read back.
func TestRemountRoundTrip(t *testing.T) {
	f := newFixture(t)

	mk := &MkDirOp{Parent: inodestore.RootID, Name: "a"}
	require.NoError(t, mk.Apply(f.ctx, f.env))

	in := f.create(t, mk.Inode.ID, "x")
	h := f.open(t, in.ID, handle.ReadWrite)
	f.write(t, h.ID, 0, "hi")

	// Push the file, then its directory; the directory push links itself
	// into the root's remote listing.
	require.NoError(t, (&FsyncOp{InodeID: in.ID}).Apply(f.ctx, f.env))
	require.NoError(t, (&FsyncOp{InodeID: mk.Inode.ID}).Apply(f.ctx, f.env))

	// A cold second mount: nothing local but the root capability.
	f2 := remount(t, f.backend, f.rootRef)

	lookupA := &LookupOp{Parent: inodestore.RootID, Name: "a"}
	require.NoError(t, lookupA.Apply(f2.ctx, f2.env))
	require.Equal(t, inodestore.KindDir, lookupA.Inode.Kind)

	lookupX := &LookupOp{Parent: lookupA.Inode.ID, Name: "x"}
	require.NoError(t, lookupX.Apply(f2.ctx, f2.env))
	require.Equal(t, inodestore.KindFile, lookupX.Inode.Kind)
	assert.Equal(t, int64(2), lookupX.Inode.Size)

	h2 := f2.open(t, lookupX.Inode.ID, handle.ReadOnly)
	assert.Equal(t, []byte("hi"), f2.read(t, h2.ID, 0, 10))
}
