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

package inodestore

import (
	"context"
	"sort"
	"sync"

	"github.com/eons-dev/truckeefs/internal/fserr"
)

// memStore is an in-memory Store with the same semantics as the SQL
// implementation. Used in tests and available for throwaway mounts.
type memStore struct {
	mu sync.Mutex

	// GUARDED_BY(mu)
	inodes map[ID]*Inode

	// (parent, name) -> child
	//
	// GUARDED_BY(mu)
	dirents map[ID]map[string]ID

	// GUARDED_BY(mu)
	nextID ID
}

// NewMem creates an empty in-memory store.
func NewMem() Store {
	return &memStore{
		inodes:  make(map[ID]*Inode),
		dirents: make(map[ID]map[string]ID),
		nextID:  1,
	}
}

var _ Store = &memStore{}

func (s *memStore) Get(ctx context.Context, id ID) (*Inode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.inodes[id]
	if !ok {
		return nil, fserr.New(fserr.KindNotFound, "inodestore.get")
	}
	cp := *in
	return &cp, nil
}

func (s *memStore) GetByPath(
	ctx context.Context,
	parentID ID,
	name string) (*Inode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	child, ok := s.dirents[parentID][name]
	if !ok {
		return nil, fserr.New(fserr.KindNotFound, "inodestore.get_by_path")
	}
	in, ok := s.inodes[child]
	if !ok {
		return nil, fserr.New(fserr.KindNotFound, "inodestore.get_by_path")
	}
	cp := *in
	return &cp, nil
}

func (s *memStore) Insert(ctx context.Context, in *Inode) (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.ParentID != 0 {
		if _, ok := s.dirents[in.ParentID][in.NameInParent]; ok {
			return 0, fserr.New(fserr.KindExists, "inodestore.insert")
		}
	}

	id := s.nextID
	s.nextID++

	in.ID = id
	in.Version = 1
	cp := *in
	s.inodes[id] = &cp

	if in.ParentID != 0 {
		s.linkLocked(in.ParentID, in.NameInParent, id)
	}

	return id, nil
}

func (s *memStore) Update(ctx context.Context, in *Inode, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.inodes[in.ID]
	if !ok {
		return fserr.New(fserr.KindNotFound, "inodestore.update")
	}
	if cur.Version != expected {
		return fserr.New(fserr.KindStale, "inodestore.update")
	}

	// Only a change of parent or name moves the directory entry. A plain
	// metadata update must not resurrect an entry that unlink or rename has
	// already taken away from this row.
	moved := in.ParentID != 0 &&
		(cur.ParentID != in.ParentID || cur.NameInParent != in.NameInParent)

	cp := *in
	s.inodes[in.ID] = &cp

	if moved {
		s.unlinkChildLocked(in.ID)
		s.linkLocked(in.ParentID, in.NameInParent, in.ID)
	}

	return nil
}

func (s *memStore) Delete(ctx context.Context, id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inodes[id]; !ok {
		return fserr.New(fserr.KindNotFound, "inodestore.delete")
	}

	delete(s.inodes, id)
	s.unlinkChildLocked(id)
	delete(s.dirents, id)

	return nil
}

func (s *memStore) RemoveEntry(ctx context.Context, parentID ID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.dirents[parentID][name]; !ok {
		return fserr.New(fserr.KindNotFound, "inodestore.remove_entry")
	}
	delete(s.dirents[parentID], name)
	return nil
}

func (s *memStore) ListChildren(
	ctx context.Context,
	parentID ID) (entries []DirEntry, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, child := range s.dirents[parentID] {
		kind := Kind(0)
		if in, ok := s.inodes[child]; ok {
			kind = in.Kind
		}
		entries = append(entries, DirEntry{
			ParentID: parentID,
			Name:     name,
			ChildID:  child,
			Kind:     kind,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (s *memStore) ReplaceChildren(
	ctx context.Context,
	parentID ID,
	entries []DirEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := make(map[string]ID, len(entries))
	for _, e := range entries {
		m[e.Name] = e.ChildID
	}
	s.dirents[parentID] = m

	return nil
}

func (s *memStore) Rename(
	ctx context.Context,
	oldParent ID, oldName string,
	newParent ID, newName string) (replaced ID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	child, ok := s.dirents[oldParent][oldName]
	if !ok {
		return 0, fserr.New(fserr.KindNotFound, "inodestore.rename")
	}

	if existing, ok := s.dirents[newParent][newName]; ok {
		replaced = existing
		delete(s.dirents[newParent], newName)
	}

	delete(s.dirents[oldParent], oldName)
	s.linkLocked(newParent, newName, child)

	if in, ok := s.inodes[child]; ok {
		in.ParentID = newParent
		in.NameInParent = newName
		in.Version++
	}

	return replaced, nil
}

func (s *memStore) NextDirty(
	ctx context.Context,
	limit int) (dirty []*Inode, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, in := range s.inodes {
		if !in.Dirty.IsClean() {
			cp := *in
			dirty = append(dirty, &cp)
		}
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].Mtime.Before(dirty[j].Mtime) })
	if len(dirty) > limit {
		dirty = dirty[:limit]
	}

	return dirty, nil
}

func (s *memStore) Close() error {
	return nil
}

// LOCKS_REQUIRED(s.mu)
func (s *memStore) linkLocked(parent ID, name string, child ID) {
	m, ok := s.dirents[parent]
	if !ok {
		m = make(map[string]ID)
		s.dirents[parent] = m
	}
	m[name] = child
}

// LOCKS_REQUIRED(s.mu)
func (s *memStore) unlinkChildLocked(child ID) {
	for parent, m := range s.dirents {
		for name, c := range m {
			if c == child {
				delete(s.dirents[parent], name)
			}
		}
	}
}
