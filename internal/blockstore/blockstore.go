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

// Package blockstore stores fixed-size blocks of file content as regular
// files on local disk, addressed by (inode ID, block index), with a JSON
// sidecar per block holding its metadata.
//
// Layout: <root>/blocks/<shard>/<inode_id>/<block_index> plus a sibling
// <block_index>.meta. The shard is the low byte of the inode ID, keeping
// directory fan-out bounded.
//
// Callers serialize access per inode; the store only guards its own
// accounting.
package blockstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/eons-dev/truckeefs/clock"
	"github.com/eons-dev/truckeefs/internal/logger"
)

const (
	blocksDirName = "blocks"
	sidecarSuffix = ".meta"
)

var (
	// ErrMissing means the block is not present locally: never fetched, or
	// purged after a sidecar mismatch. The caller should schedule a pull.
	ErrMissing = errors.New("block not present")

	// ErrDirty means the block holds unpushed writes and cannot be evicted.
	ErrDirty = errors.New("block is dirty")

	// ErrVersionMismatch means a mark-clean carried a version other than the
	// one under which the block was last written.
	ErrVersionMismatch = errors.New("version mismatch")
)

// Sidecar is the persistent per-block metadata.
type Sidecar struct {
	// Length of the valid content in the data file. The final block of a
	// file may be short.
	Length int64 `json:"length"`

	Dirty   bool `json:"dirty"`
	Present bool `json:"present"`

	LastAccess time.Time `json:"last_access"`

	// Checksum of the content, hex SHA-256, set for pulled blocks and
	// cleared by local writes.
	Checksum string `json:"checksum,omitempty"`

	// WriteVersion is the inode version under which the block was last
	// dirtied. MarkClean must present the same version.
	WriteVersion int64 `json:"write_version,omitempty"`
}

// BlockInfo pairs a block's address with its sidecar.
type BlockInfo struct {
	InodeID int64
	Index   int64
	Sidecar Sidecar
}

type Store struct {
	root      string
	blockSize int64
	clock     clock.Clock

	// Guards bytesUsed. File contents are guarded by the caller's per-inode
	// serialization.
	mu sync.Mutex

	// Sum of sidecar lengths of present blocks.
	//
	// GUARDED_BY(mu)
	bytesUsed int64
}

// New opens (creating if necessary) a block store rooted at dir. Accounting
// is initialized from the sidecars found on disk.
func New(dir string, blockSize int64, c clock.Clock) (s *Store, err error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("illegal block size: %d", blockSize)
	}

	s = &Store{
		root:      dir,
		blockSize: blockSize,
		clock:     c,
	}

	if err = os.MkdirAll(filepath.Join(dir, blocksDirName), 0755); err != nil {
		return nil, fmt.Errorf("create block root: %w", err)
	}

	blocks, err := s.ScanAll()
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	for _, b := range blocks {
		if b.Sidecar.Present {
			s.bytesUsed += b.Sidecar.Length
		}
	}

	return s, nil
}

// BlockSize returns the mount-time block size.
func (s *Store) BlockSize() int64 {
	return s.blockSize
}

// BytesUsed returns the total length of present blocks.
func (s *Store) BytesUsed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesUsed
}

// ReadBlock returns up to Length bytes of the block's content. Returns
// ErrMissing if the block was never fetched, and purges the block before
// returning ErrMissing if its data file disagrees with the sidecar.
func (s *Store) ReadBlock(inodeID, index int64) (data []byte, err error) {
	sc, err := s.loadSidecar(inodeID, index)
	if err != nil || !sc.Present {
		return nil, ErrMissing
	}

	data, err = os.ReadFile(s.blockPath(inodeID, index))
	if err != nil {
		s.purge(inodeID, index, "unreadable data file")
		return nil, ErrMissing
	}

	if int64(len(data)) < sc.Length {
		s.purge(inodeID, index, "data file shorter than sidecar length")
		return nil, ErrMissing
	}
	data = data[:sc.Length]

	if sc.Checksum != "" && checksum(data) != sc.Checksum {
		s.purge(inodeID, index, "checksum mismatch")
		return nil, ErrMissing
	}

	sc.LastAccess = s.clock.Now()
	if err = s.storeSidecar(inodeID, index, sc); err != nil {
		return nil, err
	}

	return data, nil
}

// WriteBlock writes data into the block at the given intra-block offset,
// marking it dirty under the supplied inode version. Prior content and
// length are preserved on failure.
func (s *Store) WriteBlock(
	inodeID, index int64,
	offsetInBlock int64,
	data []byte,
	version int64) (err error) {
	if offsetInBlock < 0 || offsetInBlock+int64(len(data)) > s.blockSize {
		return fmt.Errorf(
			"write outside block bounds: offset %d length %d",
			offsetInBlock, len(data))
	}

	sc, err := s.loadSidecar(inodeID, index)
	if err != nil {
		sc = Sidecar{}
	}

	if err = os.MkdirAll(s.inodeDir(inodeID), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(s.blockPath(inodeID, index), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err = f.WriteAt(data, offsetInBlock); err != nil {
		return err
	}

	oldLength := sc.Length
	if newLength := offsetInBlock + int64(len(data)); newLength > sc.Length {
		sc.Length = newLength
	}
	sc.Dirty = true
	sc.Present = true
	sc.Checksum = ""
	sc.WriteVersion = version
	sc.LastAccess = s.clock.Now()

	if err = s.storeSidecar(inodeID, index, sc); err != nil {
		return err
	}

	s.adjustUsage(sc.Length - oldLength)
	return nil
}

// PutClean installs a full block pulled from the remote: present and clean.
// An existing dirty block is left untouched and an error returned; the pull
// must not clobber unpushed writes.
func (s *Store) PutClean(inodeID, index int64, data []byte) (err error) {
	if int64(len(data)) > s.blockSize {
		return fmt.Errorf("block too large: %d", len(data))
	}

	old, err := s.loadSidecar(inodeID, index)
	if err == nil && old.Dirty {
		return ErrDirty
	}
	oldLength := int64(0)
	if err == nil && old.Present {
		oldLength = old.Length
	}

	if err = os.MkdirAll(s.inodeDir(inodeID), 0755); err != nil {
		return err
	}

	// Replace content wholesale so stale tail bytes cannot survive.
	if err = os.WriteFile(s.blockPath(inodeID, index), data, 0644); err != nil {
		return err
	}

	sc := Sidecar{
		Length:     int64(len(data)),
		Dirty:      false,
		Present:    true,
		Checksum:   checksum(data),
		LastAccess: s.clock.Now(),
	}
	if err = s.storeSidecar(inodeID, index, sc); err != nil {
		return err
	}

	s.adjustUsage(sc.Length - oldLength)
	return nil
}

// MarkClean clears the dirty bit, but only under the version the data was
// pushed at. A mismatch means new writes landed after the push snapshot; the
// block stays dirty for the next push.
func (s *Store) MarkClean(inodeID, index int64, version int64) (err error) {
	sc, err := s.loadSidecar(inodeID, index)
	if err != nil {
		return ErrMissing
	}

	if !sc.Dirty {
		return nil
	}

	if sc.WriteVersion != version {
		return ErrVersionMismatch
	}

	sc.Dirty = false
	return s.storeSidecar(inodeID, index, sc)
}

// Evict removes a clean block and its sidecar. Fails with ErrDirty if the
// block holds unpushed writes.
func (s *Store) Evict(inodeID, index int64) (err error) {
	sc, err := s.loadSidecar(inodeID, index)
	if err != nil {
		return ErrMissing
	}

	if sc.Dirty {
		return ErrDirty
	}

	return s.remove(inodeID, index, sc)
}

// Remove deletes a block unconditionally, dirty or not. For truncation and
// inode destruction.
func (s *Store) Remove(inodeID, index int64) (err error) {
	sc, err := s.loadSidecar(inodeID, index)
	if err != nil {
		return nil
	}
	return s.remove(inodeID, index, sc)
}

// TruncateBlock shortens a block's valid length, for the new final block
// after a file truncation. Marks the block dirty under version.
func (s *Store) TruncateBlock(
	inodeID, index int64,
	newLength int64,
	version int64) (err error) {
	sc, err := s.loadSidecar(inodeID, index)
	if err != nil || !sc.Present {
		return ErrMissing
	}

	if newLength >= sc.Length {
		return nil
	}

	oldLength := sc.Length
	sc.Length = newLength
	sc.Dirty = true
	sc.Checksum = ""
	sc.WriteVersion = version
	sc.LastAccess = s.clock.Now()

	if err = s.storeSidecar(inodeID, index, sc); err != nil {
		return err
	}

	s.adjustUsage(newLength - oldLength)
	return nil
}

// Iterate returns the present blocks of an inode in ascending index order.
func (s *Store) Iterate(inodeID int64) (blocks []BlockInfo, err error) {
	dir := s.inodeDir(inodeID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == sidecarSuffix {
			continue
		}
		index, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		sc, err := s.loadSidecar(inodeID, index)
		if err != nil || !sc.Present {
			continue
		}
		blocks = append(blocks, BlockInfo{InodeID: inodeID, Index: index, Sidecar: sc})
	}

	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Index < blocks[j].Index })
	return blocks, nil
}

// DropInode removes every block of an inode, dirty or not.
func (s *Store) DropInode(inodeID int64) (err error) {
	blocks, err := s.Iterate(inodeID)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if err = s.remove(inodeID, b.Index, b.Sidecar); err != nil {
			return err
		}
	}
	return os.RemoveAll(s.inodeDir(inodeID))
}

// ScanAll walks the on-disk layout and returns every block found, present or
// not. Orphaned data files (no sidecar) and orphaned sidecars are purged as
// they are found. Used by startup recovery.
func (s *Store) ScanAll() (blocks []BlockInfo, err error) {
	blocksRoot := filepath.Join(s.root, blocksDirName)
	shards, err := os.ReadDir(blocksRoot)
	if err != nil {
		return nil, err
	}

	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		inodeDirs, err := os.ReadDir(filepath.Join(blocksRoot, shard.Name()))
		if err != nil {
			return nil, err
		}
		for _, inodeDir := range inodeDirs {
			inodeID, err := strconv.ParseInt(inodeDir.Name(), 10, 64)
			if err != nil || !inodeDir.IsDir() {
				continue
			}
			files, err := os.ReadDir(filepath.Join(blocksRoot, shard.Name(), inodeDir.Name()))
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				name := f.Name()
				if filepath.Ext(name) == sidecarSuffix {
					// Sidecar with no data file: purge.
					base := name[:len(name)-len(sidecarSuffix)]
					if _, statErr := os.Stat(filepath.Join(blocksRoot, shard.Name(), inodeDir.Name(), base)); statErr != nil {
						os.Remove(filepath.Join(blocksRoot, shard.Name(), inodeDir.Name(), name))
					}
					continue
				}
				index, err := strconv.ParseInt(name, 10, 64)
				if err != nil {
					continue
				}
				sc, err := s.loadSidecar(inodeID, index)
				if err != nil {
					// Data file with no usable sidecar: purge.
					s.purge(inodeID, index, "missing sidecar")
					continue
				}
				blocks = append(blocks, BlockInfo{InodeID: inodeID, Index: index, Sidecar: sc})
			}
		}
	}

	return blocks, nil
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (s *Store) inodeDir(inodeID int64) string {
	shard := fmt.Sprintf("%02x", uint64(inodeID)&0xff)
	return filepath.Join(s.root, blocksDirName, shard, strconv.FormatInt(inodeID, 10))
}

func (s *Store) blockPath(inodeID, index int64) string {
	return filepath.Join(s.inodeDir(inodeID), strconv.FormatInt(index, 10))
}

func (s *Store) sidecarPath(inodeID, index int64) string {
	return s.blockPath(inodeID, index) + sidecarSuffix
}

func (s *Store) loadSidecar(inodeID, index int64) (sc Sidecar, err error) {
	data, err := os.ReadFile(s.sidecarPath(inodeID, index))
	if err != nil {
		return Sidecar{}, err
	}
	if err = json.Unmarshal(data, &sc); err != nil {
		return Sidecar{}, err
	}
	return sc, nil
}

// storeSidecar writes the sidecar atomically via rename.
func (s *Store) storeSidecar(inodeID, index int64, sc Sidecar) (err error) {
	data, err := json.Marshal(sc)
	if err != nil {
		return err
	}

	path := s.sidecarPath(inodeID, index)
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) remove(inodeID, index int64, sc Sidecar) (err error) {
	if err = os.Remove(s.blockPath(inodeID, index)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err = os.Remove(s.sidecarPath(inodeID, index)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if sc.Present {
		s.adjustUsage(-sc.Length)
	}
	return nil
}

func (s *Store) purge(inodeID, index int64, reason string) {
	logger.Warnf(
		"purging block %d/%d: %s", inodeID, index, reason)

	sc, err := s.loadSidecar(inodeID, index)
	if err != nil {
		sc = Sidecar{}
	}
	if err := s.remove(inodeID, index, sc); err != nil {
		logger.Errorf("purge block %d/%d: %v", inodeID, index, err)
	}
}

func (s *Store) adjustUsage(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesUsed += delta
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
