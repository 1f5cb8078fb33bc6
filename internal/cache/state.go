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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	stateFileName = "state.json"

	// stateSchemaVersion guards against mounting a cache directory written
	// by an incompatible layout.
	stateSchemaVersion = 1
)

// State is the persisted marker at cache_root/state.json. Its absence, or a
// false CleanShutdown, triggers the startup consistency sweep.
type State struct {
	SchemaVersion int  `json:"schema_version"`
	CleanShutdown bool `json:"clean_shutdown"`
}

// LoadState reads the state marker. Returns ok=false when the marker is
// absent or unreadable, meaning the previous run did not shut down cleanly.
func LoadState(cacheRoot string) (st State, ok bool) {
	data, err := os.ReadFile(filepath.Join(cacheRoot, stateFileName))
	if err != nil {
		return State{}, false
	}
	if err = json.Unmarshal(data, &st); err != nil {
		return State{}, false
	}
	if st.SchemaVersion != stateSchemaVersion {
		return State{}, false
	}
	return st, true
}

// WriteState persists the marker atomically.
func WriteState(cacheRoot string, st State) error {
	st.SchemaVersion = stateSchemaVersion

	data, err := json.Marshal(st)
	if err != nil {
		return err
	}

	path := filepath.Join(cacheRoot, stateFileName)
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, path)
}

// MarkMounted records that the cache is in use: a crash before the matching
// MarkCleanShutdown will trigger a sweep on the next mount.
func MarkMounted(cacheRoot string) error {
	return WriteState(cacheRoot, State{CleanShutdown: false})
}

// MarkCleanShutdown records an orderly teardown with all dirty state
// drained.
func MarkCleanShutdown(cacheRoot string) error {
	return WriteState(cacheRoot, State{CleanShutdown: true})
}
