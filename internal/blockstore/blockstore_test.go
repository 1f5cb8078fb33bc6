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

package blockstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eons-dev/truckeefs/clock"
)

const testBlockSize = 4096

func newStore(t *testing.T) (*Store, *clock.SimulatedClock) {
	t.Helper()

	c := clock.NewSimulatedClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	s, err := New(t.TempDir(), testBlockSize, c)
	require.NoError(t, err)
	return s, c
}

func TestReadMissingBlock(t *testing.T) {
	s, _ := newStore(t)

	_, err := s.ReadBlock(1, 0)
	assert.ErrorIs(t, err, ErrMissing)
}

func TestWriteThenRead(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.WriteBlock(1, 0, 0, []byte("taco"), 1))

	data, err := s.ReadBlock(1, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("taco"), data)
}

func TestWriteAtOffsetExtendsLength(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.WriteBlock(1, 0, 0, []byte("aaaa"), 1))
	require.NoError(t, s.WriteBlock(1, 0, 8, []byte("bb"), 2))

	data, err := s.ReadBlock(1, 0)
	require.NoError(t, err)
	require.Len(t, data, 10)
	assert.Equal(t, []byte("aaaa"), data[0:4])
	assert.Equal(t, []byte("bb"), data[8:10])
}

func TestWriteOutsideBlockBounds(t *testing.T) {
	s, _ := newStore(t)

	err := s.WriteBlock(1, 0, testBlockSize-1, []byte("xy"), 1)
	assert.Error(t, err)

	err = s.WriteBlock(1, 0, -1, []byte("x"), 1)
	assert.Error(t, err)
}

func TestMarkCleanVersionGuard(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.WriteBlock(1, 0, 0, []byte("v5 content"), 5))

	// Wrong version: rejected, block stays dirty.
	assert.ErrorIs(t, s.MarkClean(1, 0, 4), ErrVersionMismatch)
	assert.ErrorIs(t, s.Evict(1, 0), ErrDirty)

	// Matching version: cleans.
	require.NoError(t, s.MarkClean(1, 0, 5))
	assert.NoError(t, s.Evict(1, 0))
}

func TestMarkCleanOnCleanBlockIsNoop(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.PutClean(1, 0, []byte("pulled")))
	assert.NoError(t, s.MarkClean(1, 0, 99))
}

func TestEvictDirtyRefused(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.WriteBlock(1, 0, 0, []byte("dirty"), 1))
	assert.ErrorIs(t, s.Evict(1, 0), ErrDirty)

	// Remove is unconditional.
	require.NoError(t, s.Remove(1, 0))
	_, err := s.ReadBlock(1, 0)
	assert.ErrorIs(t, err, ErrMissing)
}

func TestPutCleanRefusesDirty(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.WriteBlock(1, 0, 0, []byte("local edit"), 1))
	assert.ErrorIs(t, s.PutClean(1, 0, []byte("remote data")), ErrDirty)

	data, err := s.ReadBlock(1, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("local edit"), data)
}

func TestPutCleanReplacesStaleContent(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.PutClean(1, 0, []byte("older, longer content")))
	require.NoError(t, s.PutClean(1, 0, []byte("new")))

	data, err := s.ReadBlock(1, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), data)
}

func TestCorruptDataFileTreatedAsMissing(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.PutClean(1, 0, []byte("content to corrupt")))

	// Flip bytes behind the store's back.
	path := s.blockPath(1, 0)
	require.NoError(t, os.WriteFile(path, []byte("content to XXXXXXX"), 0644))

	_, err := s.ReadBlock(1, 0)
	assert.ErrorIs(t, err, ErrMissing)

	// The purge removed both files.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + sidecarSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestShortDataFileTreatedAsMissing(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.PutClean(1, 0, []byte("full length content")))
	require.NoError(t, os.Truncate(s.blockPath(1, 0), 4))

	_, err := s.ReadBlock(1, 0)
	assert.ErrorIs(t, err, ErrMissing)
}

func TestTruncateBlock(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.PutClean(1, 0, []byte("0123456789")))
	require.NoError(t, s.TruncateBlock(1, 0, 4, 7))

	data, err := s.ReadBlock(1, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), data)

	// Truncation dirties the block under the supplied version.
	assert.ErrorIs(t, s.Evict(1, 0), ErrDirty)
	require.NoError(t, s.MarkClean(1, 0, 7))
}

func TestIterateOrdering(t *testing.T) {
	s, _ := newStore(t)

	for _, idx := range []int64{3, 0, 11, 2} {
		require.NoError(t, s.PutClean(7, idx, []byte{byte(idx)}))
	}

	blocks, err := s.Iterate(7)
	require.NoError(t, err)

	var got []int64
	for _, b := range blocks {
		got = append(got, b.Index)
	}
	assert.Equal(t, []int64{0, 2, 3, 11}, got)
}

func TestBytesUsedAccounting(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.WriteBlock(1, 0, 0, make([]byte, 100), 1))
	require.NoError(t, s.PutClean(1, 1, make([]byte, 50)))
	assert.Equal(t, int64(150), s.BytesUsed())

	require.NoError(t, s.MarkClean(1, 0, 1))
	require.NoError(t, s.Evict(1, 0))
	assert.Equal(t, int64(50), s.BytesUsed())

	require.NoError(t, s.DropInode(1))
	assert.Equal(t, int64(0), s.BytesUsed())
}

func TestAccountingSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	c := clock.NewSimulatedClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))

	s, err := New(dir, testBlockSize, c)
	require.NoError(t, err)
	require.NoError(t, s.WriteBlock(1, 0, 0, make([]byte, 128), 1))
	require.NoError(t, s.PutClean(2, 0, make([]byte, 64)))

	reopened, err := New(dir, testBlockSize, c)
	require.NoError(t, err)
	assert.Equal(t, int64(192), reopened.BytesUsed())

	// Dirty state survives too.
	blocks, err := reopened.Iterate(1)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.True(t, blocks[0].Sidecar.Dirty)
}

func TestScanAllPurgesOrphanSidecar(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.PutClean(1, 0, []byte("keep me")))

	// Fabricate an orphan sidecar with no data file.
	orphan := filepath.Join(s.inodeDir(1), "9"+sidecarSuffix)
	require.NoError(t, os.WriteFile(orphan, []byte(`{"present":true,"length":1}`), 0644))

	blocks, err := s.ScanAll()
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, int64(0), blocks[0].Index)

	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
}

func TestLastAccessBumpedOnRead(t *testing.T) {
	s, c := newStore(t)

	require.NoError(t, s.PutClean(1, 0, []byte("x")))
	c.AdvanceTime(time.Hour)

	_, err := s.ReadBlock(1, 0)
	require.NoError(t, err)

	blocks, err := s.Iterate(1)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, c.Now(), blocks[0].Sidecar.LastAccess.UTC())
}
