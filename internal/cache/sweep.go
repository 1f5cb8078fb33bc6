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

package cache

import (
	"context"

	"github.com/eons-dev/truckeefs/internal/fserr"
	"github.com/eons-dev/truckeefs/internal/inodestore"
	"github.com/eons-dev/truckeefs/internal/logger"
)

// Sweep restores the cache invariants after an unclean shutdown:
//
//   - every block on disk must have an inode row; orphans are deleted,
//   - every dirty block must belong to an inode whose dirty mask announces
//     pending upstream work, so the flusher will pick it up,
//   - inode sizes are revalidated against staged block extents, since a
//     crash may have landed between a block write and its metadata commit.
//
// Runs before the mount starts serving; nothing else touches the stores.
func (m *Manager) Sweep(ctx context.Context) (err error) {
	logger.Infof("running startup consistency sweep")

	all, err := m.blocks.ScanAll()
	if err != nil {
		return err
	}

	type inodeState struct {
		dirty     bool
		maxExtent int64
	}
	perInode := make(map[int64]*inodeState)

	for _, b := range all {
		st, ok := perInode[b.InodeID]
		if !ok {
			st = &inodeState{}
			perInode[b.InodeID] = st
		}
		if b.Sidecar.Dirty {
			st.dirty = true
		}
		if b.Sidecar.Present {
			if extent := b.Index*m.cfg.BlockSize + b.Sidecar.Length; extent > st.maxExtent {
				st.maxExtent = extent
			}
		}
	}

	orphans := 0
	requeued := 0
	for inodeID, st := range perInode {
		in, err := m.inodes.Get(ctx, inodestore.ID(inodeID))
		if fserr.Is(err, fserr.KindNotFound) {
			// I1: blocks without an inode row are garbage.
			if err := m.blocks.DropInode(inodeID); err != nil {
				return err
			}
			orphans++
			continue
		}
		if err != nil {
			return err
		}

		changed := false

		// Dirty blocks with a clean inode mean the crash hit between the
		// block write and the metadata commit. Requeue the upstream plan.
		if st.dirty && in.Dirty.IsClean() {
			in.Dirty |= inodestore.DataDirty
			changed = true
			requeued++
		}

		// I2: acknowledged writes extended the file but the size commit was
		// lost.
		if st.dirty && st.maxExtent > in.Size {
			in.Size = st.maxExtent
			changed = true
		}

		if changed {
			expected := in.Version
			in.Version++
			if err = m.inodes.Update(ctx, in, expected); err != nil {
				return err
			}
		}
	}

	logger.Infof(
		"sweep complete: %d inodes with blocks, %d orphans removed, %d upstream plans requeued",
		len(perInode), orphans, requeued)
	return nil
}
