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

package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/eons-dev/truckeefs/internal/fserr"
)

// Fake is an in-memory Backend for tests. Every PutObject yields a fresh
// capability; PutDir with a non-empty ref updates that directory in place,
// as the Backend contract describes. Helpers allow tests to mutate
// state out-of-band, simulating a second writer elsewhere in the grid.
type Fake struct {
	mu sync.Mutex

	// GUARDED_BY(mu)
	objects map[Ref][]byte

	// GUARDED_BY(mu)
	dirs map[Ref][]DirEntry

	// GUARDED_BY(mu)
	unavailable bool

	// Call counters, for assertions.
	//
	// GUARDED_BY(mu)
	Gets, Puts, Deletes int
}

func NewFake() *Fake {
	return &Fake{
		objects: make(map[Ref][]byte),
		dirs:    make(map[Ref][]DirEntry),
	}
}

var _ Backend = &Fake{}

func (f *Fake) GetObject(
	ctx context.Context,
	ref Ref,
	rng *ByteRange) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Gets++

	if f.unavailable {
		return nil, fserr.New(fserr.KindBackendUnavailable, "get_object")
	}

	data, ok := f.objects[ref]
	if !ok {
		return nil, fserr.New(fserr.KindNotFound, "get_object")
	}

	if rng == nil {
		return append([]byte(nil), data...), nil
	}

	start, limit := rng.Start, rng.Limit
	if start > int64(len(data)) {
		start = int64(len(data))
	}
	if limit > int64(len(data)) {
		limit = int64(len(data))
	}
	if limit < start {
		limit = start
	}

	return append([]byte(nil), data[start:limit]...), nil
}

func (f *Fake) PutObject(ctx context.Context, data []byte) (Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Puts++

	if f.unavailable {
		return "", fserr.New(fserr.KindBackendUnavailable, "put_object")
	}

	ref := newFakeRef("CHK")
	f.objects[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (f *Fake) GetDir(ctx context.Context, ref Ref) ([]DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Gets++

	if f.unavailable {
		return nil, fserr.New(fserr.KindBackendUnavailable, "get_dir")
	}

	entries, ok := f.dirs[ref]
	if !ok {
		return nil, fserr.New(fserr.KindNotFound, "get_dir")
	}

	return append([]DirEntry(nil), entries...), nil
}

func (f *Fake) PutDir(
	ctx context.Context,
	ref Ref,
	entries []DirEntry) (Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Puts++

	if f.unavailable {
		return "", fserr.New(fserr.KindBackendUnavailable, "put_dir")
	}

	if ref == "" {
		ref = newFakeRef("DIR2")
	}
	f.dirs[ref] = append([]DirEntry(nil), entries...)
	return ref, nil
}

func (f *Fake) Delete(ctx context.Context, ref Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deletes++

	if f.unavailable {
		return fserr.New(fserr.KindBackendUnavailable, "delete")
	}

	if _, ok := f.objects[ref]; ok {
		delete(f.objects, ref)
		return nil
	}
	if _, ok := f.dirs[ref]; ok {
		delete(f.dirs, ref)
		return nil
	}

	return fserr.New(fserr.KindNotFound, "delete")
}

////////////////////////////////////////////////////////////////////////
// Test helpers
////////////////////////////////////////////////////////////////////////

// SetUnavailable makes every subsequent call fail with
// BACKEND_UNAVAILABLE until cleared.
func (f *Fake) SetUnavailable(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = down
}

// SeedObject installs content under a fresh capability, bypassing counters.
func (f *Fake) SeedObject(data []byte) Ref {
	f.mu.Lock()
	defer f.mu.Unlock()

	ref := newFakeRef("CHK")
	f.objects[ref] = append([]byte(nil), data...)
	return ref
}

// SeedDir installs a directory under a fresh capability, bypassing counters.
func (f *Fake) SeedDir(entries []DirEntry) Ref {
	f.mu.Lock()
	defer f.mu.Unlock()

	ref := newFakeRef("DIR2")
	f.dirs[ref] = append([]DirEntry(nil), entries...)
	return ref
}

// Object returns the current content of ref, or nil if absent.
func (f *Fake) Object(ref Ref) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[ref]
	if !ok {
		return nil
	}
	return append([]byte(nil), data...)
}

// Dir returns the current entries of ref, or nil if absent.
func (f *Fake) Dir(ref Ref) []DirEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, ok := f.dirs[ref]
	if !ok {
		return nil
	}
	return append([]DirEntry(nil), entries...)
}

// HasObject reports whether ref still names an object or directory.
func (f *Fake) HasObject(ref Ref) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, o := f.objects[ref]
	_, d := f.dirs[ref]
	return o || d
}

func newFakeRef(kind string) Ref {
	return Ref(fmt.Sprintf("URI:%s:%s", kind, uuid.NewString()))
}
