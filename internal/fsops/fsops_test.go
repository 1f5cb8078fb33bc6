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
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eons-dev/truckeefs/clock"
	"github.com/eons-dev/truckeefs/internal/blockstore"
	"github.com/eons-dev/truckeefs/internal/cache"
	"github.com/eons-dev/truckeefs/internal/coordstore"
	"github.com/eons-dev/truckeefs/internal/fserr"
	"github.com/eons-dev/truckeefs/internal/handle"
	"github.com/eons-dev/truckeefs/internal/inodestore"
	"github.com/eons-dev/truckeefs/internal/locker"
	"github.com/eons-dev/truckeefs/internal/remote"
	"github.com/eons-dev/truckeefs/internal/syncer"
)

const testBlockSize = 4096

type fixture struct {
	env     *Env
	backend *remote.Fake
	blocks  *blockstore.Store
	clock   *clock.SimulatedClock
	rootRef remote.Ref
	ctx     context.Context
}

// newFixture assembles the full environment over in-memory stores and the
// fake backend, the way the mount driver wires the real thing.
func newFixture(t *testing.T) *fixture {
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
	require.Equal(t, inodestore.RootID, root.ID)

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

func (f *fixture) create(t *testing.T, parent inodestore.ID, name string) *inodestore.Inode {
	t.Helper()
	op := &CreateOp{Parent: parent, Name: name}
	require.NoError(t, op.Apply(f.ctx, f.env))
	return op.Inode
}

func (f *fixture) open(t *testing.T, id inodestore.ID, flags handle.Flags) *handle.FileHandle {
	t.Helper()
	op := &OpenOp{InodeID: id, Flags: flags, Uid: 1000, Gid: 1000}
	require.NoError(t, op.Apply(f.ctx, f.env))
	return op.Handle
}

func (f *fixture) write(t *testing.T, h handle.ID, offset int64, data string) {
	t.Helper()
	op := &WriteOp{Handle: h, Offset: offset, Data: []byte(data)}
	require.NoError(t, op.Apply(f.ctx, f.env))
	require.Equal(t, len(data), op.BytesWritten)
}

func (f *fixture) read(t *testing.T, h handle.ID, offset, size int64) []byte {
	t.Helper()
	op := &ReadOp{Handle: h, Offset: offset, Size: size}
	require.NoError(t, op.Apply(f.ctx, f.env))
	return op.Data
}

func TestCreateWriteFsyncRead(t *testing.T) {
	f := newFixture(t)

	in := f.create(t, inodestore.RootID, "x")
	h := f.open(t, in.ID, handle.ReadWrite)

	f.write(t, h.ID, 0, "hello world")
	require.NoError(t, (&FsyncOp{InodeID: in.ID}).Apply(f.ctx, f.env))

	// Upstream has the bytes, linked under the root.
	entries := f.backend.Dir(f.rootRef)
	require.Len(t, entries, 1)
	assert.Equal(t, "x", entries[0].Name)
	assert.Equal(t, []byte("hello world"), f.backend.Object(entries[0].Ref))

	// Round-trip through a dropped cache: evict everything clean and read
	// again.
	got, err := f.env.Inodes.Get(f.ctx, in.ID)
	require.NoError(t, err)
	require.True(t, got.Dirty.IsClean())

	blocks, err := f.blocks.Iterate(int64(in.ID))
	require.NoError(t, err)
	for _, b := range blocks {
		require.NoError(t, f.blocks.Evict(int64(in.ID), b.Index))
	}

	assert.Equal(t, []byte("hello world"), f.read(t, h.ID, 0, 100))
}

func TestLookupDiscoversRemoteChildren(t *testing.T) {
	f := newFixture(t)

	// Plant a file upstream, unknown locally.
	ref, err := f.backend.PutObject(f.ctx, []byte("planted"))
	require.NoError(t, err)
	_, err = f.backend.PutDir(f.ctx, f.rootRef, []remote.DirEntry{
		{Name: "planted", Ref: ref, Kind: remote.KindFile, Size: 7},
	})
	require.NoError(t, err)

	op := &LookupOp{Parent: inodestore.RootID, Name: "planted"}
	require.NoError(t, op.Apply(f.ctx, f.env))
	require.NotNil(t, op.Inode)
	assert.Equal(t, inodestore.KindFile, op.Inode.Kind)
	assert.Equal(t, int64(7), op.Inode.Size)

	// Cold read pulls through.
	h := f.open(t, op.Inode.ID, handle.ReadOnly)
	assert.Equal(t, []byte("planted"), f.read(t, h.ID, 0, 7))
}

func TestLookupMissingName(t *testing.T) {
	f := newFixture(t)

	op := &LookupOp{Parent: inodestore.RootID, Name: "ghost"}
	err := op.Apply(f.ctx, f.env)
	assert.True(t, fserr.Is(err, fserr.KindNotFound))
}

func TestAppendLandsAtEOF(t *testing.T) {
	f := newFixture(t)

	in := f.create(t, inodestore.RootID, "log")
	h := f.open(t, in.ID, handle.WriteOnly|handle.Append)

	f.write(t, h.ID, 0, "first|")
	// Offset is ignored for O_APPEND handles.
	f.write(t, h.ID, 0, "second")

	rh := f.open(t, in.ID, handle.ReadOnly)
	assert.Equal(t, []byte("first|second"), f.read(t, rh.ID, 0, 100))
}

func TestMkdirRmdir(t *testing.T) {
	f := newFixture(t)

	mk := &MkDirOp{Parent: inodestore.RootID, Name: "a"}
	require.NoError(t, mk.Apply(f.ctx, f.env))
	assert.Equal(t, inodestore.KindDir, mk.Inode.Kind)

	// Duplicate rejected.
	assert.True(t, fserr.Is(
		(&MkDirOp{Parent: inodestore.RootID, Name: "a"}).Apply(f.ctx, f.env),
		fserr.KindExists))

	// Non-empty rejected.
	f.create(t, mk.Inode.ID, "inner")
	err := (&RmDirOp{Parent: inodestore.RootID, Name: "a"}).Apply(f.ctx, f.env)
	assert.True(t, fserr.Is(err, fserr.KindNotEmpty))

	require.NoError(t, (&UnlinkOp{Parent: mk.Inode.ID, Name: "inner"}).Apply(f.ctx, f.env))
	require.NoError(t, (&RmDirOp{Parent: inodestore.RootID, Name: "a"}).Apply(f.ctx, f.env))

	_, err = f.env.Inodes.GetByPath(f.ctx, inodestore.RootID, "a")
	assert.True(t, fserr.Is(err, fserr.KindNotFound))
}

func TestUnlinkWithOpenHandle(t *testing.T) {
	f := newFixture(t)

	in := f.create(t, inodestore.RootID, "x")
	h := f.open(t, in.ID, handle.ReadWrite)
	f.write(t, h.ID, 0, "still readable")
	require.NoError(t, (&FsyncOp{InodeID: in.ID}).Apply(f.ctx, f.env))

	require.NoError(t, (&UnlinkOp{Parent: inodestore.RootID, Name: "x"}).Apply(f.ctx, f.env))

	// Gone from listings.
	_, err := f.env.Inodes.GetByPath(f.ctx, inodestore.RootID, "x")
	assert.True(t, fserr.Is(err, fserr.KindNotFound))

	// The held handle still reads bytes.
	assert.Equal(t, []byte("still readable"), f.read(t, h.ID, 0, 100))

	// Remote object survives until the last close.
	got, err := f.env.Inodes.Get(f.ctx, in.ID)
	require.NoError(t, err)
	ref := remote.Ref(got.RemoteRef)
	assert.True(t, f.backend.HasObject(ref))

	// Last close issues the remote delete and destroys the inode.
	require.NoError(t, (&ReleaseOp{Handle: h.ID}).Apply(f.ctx, f.env))
	assert.False(t, f.backend.HasObject(ref))

	_, err = f.env.Inodes.Get(f.ctx, in.ID)
	assert.True(t, fserr.Is(err, fserr.KindNotFound))
}

func TestUnlinkWithoutHandlesFinalizesImmediately(t *testing.T) {
	f := newFixture(t)

	in := f.create(t, inodestore.RootID, "x")
	h := f.open(t, in.ID, handle.WriteOnly)
	f.write(t, h.ID, 0, "bytes")
	require.NoError(t, (&FsyncOp{InodeID: in.ID}).Apply(f.ctx, f.env))
	require.NoError(t, (&ReleaseOp{Handle: h.ID}).Apply(f.ctx, f.env))

	got, err := f.env.Inodes.Get(f.ctx, in.ID)
	require.NoError(t, err)
	ref := remote.Ref(got.RemoteRef)

	require.NoError(t, (&UnlinkOp{Parent: inodestore.RootID, Name: "x"}).Apply(f.ctx, f.env))

	assert.False(t, f.backend.HasObject(ref))
	_, err = f.env.Inodes.Get(f.ctx, in.ID)
	assert.True(t, fserr.Is(err, fserr.KindNotFound))
}

func TestRenameReplacesAndMoves(t *testing.T) {
	f := newFixture(t)

	src := f.create(t, inodestore.RootID, "src")
	dst := f.create(t, inodestore.RootID, "dst")

	op := &RenameOp{
		OldParent: inodestore.RootID, OldName: "src",
		NewParent: inodestore.RootID, NewName: "dst",
	}
	require.NoError(t, op.Apply(f.ctx, f.env))

	got, err := f.env.Inodes.GetByPath(f.ctx, inodestore.RootID, "dst")
	require.NoError(t, err)
	assert.Equal(t, src.ID, got.ID)

	_, err = f.env.Inodes.GetByPath(f.ctx, inodestore.RootID, "src")
	assert.True(t, fserr.Is(err, fserr.KindNotFound))

	// The replaced inode was destroyed.
	_, err = f.env.Inodes.Get(f.ctx, dst.ID)
	assert.True(t, fserr.Is(err, fserr.KindNotFound))
}

func TestRenameRefusesNonEmptyDirTarget(t *testing.T) {
	f := newFixture(t)

	f.create(t, inodestore.RootID, "src")
	mk := &MkDirOp{Parent: inodestore.RootID, Name: "d"}
	require.NoError(t, mk.Apply(f.ctx, f.env))
	f.create(t, mk.Inode.ID, "occupant")

	err := (&RenameOp{
		OldParent: inodestore.RootID, OldName: "src",
		NewParent: inodestore.RootID, NewName: "d",
	}).Apply(f.ctx, f.env)
	assert.True(t, fserr.Is(err, fserr.KindNotEmpty))
}

func TestReadDirSnapshot(t *testing.T) {
	f := newFixture(t)

	for _, name := range []string{"c", "a", "b"} {
		f.create(t, inodestore.RootID, name)
	}

	od := &OpenDirOp{InodeID: inodestore.RootID, Uid: 1000, Gid: 1000}
	require.NoError(t, od.Apply(f.ctx, f.env))

	// Mutations after open are invisible to this handle.
	f.create(t, inodestore.RootID, "later")

	var names []string
	for {
		rd := &ReadDirOp{Handle: od.Handle.ID, Max: 2}
		require.NoError(t, rd.Apply(f.ctx, f.env))
		if len(rd.Entries) == 0 {
			break
		}
		for _, e := range rd.Entries {
			names = append(names, e.Name)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)

	require.NoError(t, (&ReleaseDirOp{Handle: od.Handle.ID}).Apply(f.ctx, f.env))
}

func TestSetAttrModeAndSize(t *testing.T) {
	f := newFixture(t)

	in := f.create(t, inodestore.RootID, "x")
	h := f.open(t, in.ID, handle.ReadWrite)
	f.write(t, h.ID, 0, "0123456789")

	mode := os.FileMode(0600)
	size := int64(4)
	op := &SetAttrOp{InodeID: in.ID, Mode: &mode, Size: &size}
	require.NoError(t, op.Apply(f.ctx, f.env))

	assert.Equal(t, os.FileMode(0600), op.Inode.Mode.Perm())
	assert.Equal(t, int64(4), op.Inode.Size)
	assert.Equal(t, []byte("0123"), f.read(t, h.ID, 0, 100))
}

func TestSymlinkRoundTrip(t *testing.T) {
	f := newFixture(t)

	sl := &SymlinkOp{Parent: inodestore.RootID, Name: "ln", Target: "/target/path"}
	require.NoError(t, sl.Apply(f.ctx, f.env))

	rl := &ReadlinkOp{InodeID: sl.Inode.ID}
	require.NoError(t, rl.Apply(f.ctx, f.env))
	assert.Equal(t, "/target/path", rl.Target)

	// Readlink on a regular file is invalid.
	in := f.create(t, inodestore.RootID, "f")
	err := (&ReadlinkOp{InodeID: in.ID}).Apply(f.ctx, f.env)
	assert.True(t, fserr.Is(err, fserr.KindInvalidArg))
}

func TestFsyncCleanInodeIsNoop(t *testing.T) {
	f := newFixture(t)

	in := f.create(t, inodestore.RootID, "x")
	h := f.open(t, in.ID, handle.WriteOnly)
	f.write(t, h.ID, 0, "data")
	require.NoError(t, (&FsyncOp{InodeID: in.ID}).Apply(f.ctx, f.env))

	puts := f.backend.Puts
	require.NoError(t, (&FsyncOp{InodeID: in.ID}).Apply(f.ctx, f.env))
	assert.Equal(t, puts, f.backend.Puts, "fsync of a clean inode must not upload")
}

func TestFsyncUnreachableBackendDegrades(t *testing.T) {
	f := newFixture(t)

	in := f.create(t, inodestore.RootID, "x")
	h := f.open(t, in.ID, handle.WriteOnly)
	f.write(t, h.ID, 0, "unpushable")

	f.backend.SetUnavailable(true)
	err := (&FsyncOp{InodeID: in.ID}).Apply(f.ctx, f.env)
	require.Error(t, err)

	// The mount is read-only now.
	assert.True(t, f.env.Cache.Degraded())
	werr := (&WriteOp{Handle: h.ID, Offset: 0, Data: []byte("no")}).Apply(f.ctx, f.env)
	assert.Error(t, werr)

	// The acknowledged write was not dropped: still dirty locally.
	got, err := f.env.Inodes.Get(f.ctx, in.ID)
	require.NoError(t, err)
	assert.False(t, got.Dirty.IsClean())
}

func TestConcurrentDisjointWritersAdvanceVersionTwice(t *testing.T) {
	f := newFixture(t)

	in := f.create(t, inodestore.RootID, "shared")
	h1 := f.open(t, in.ID, handle.ReadWrite)
	h2 := f.open(t, in.ID, handle.ReadWrite)

	before, err := f.env.Inodes.Get(f.ctx, in.ID)
	require.NoError(t, err)

	a := make([]byte, testBlockSize)
	b := make([]byte, testBlockSize)
	for i := range a {
		a[i], b[i] = 'A', 'B'
	}

	f.write(t, h1.ID, 0, string(a))
	f.write(t, h2.ID, testBlockSize, string(b))

	after, err := f.env.Inodes.Get(f.ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Version+2, after.Version)

	require.NoError(t, (&FsyncOp{InodeID: in.ID}).Apply(f.ctx, f.env))

	got, err := f.env.Inodes.Get(f.ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, append(a, b...), f.backend.Object(remote.Ref(got.RemoteRef)))
}
