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

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSimulatedClockAdvance(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sc := NewSimulatedClock(start)

	assert.Equal(t, start, sc.Now())

	sc.AdvanceTime(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), sc.Now())
}

func TestSimulatedClockAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sc := NewSimulatedClock(start)

	ch := sc.After(time.Minute)
	select {
	case <-ch:
		t.Fatal("fired before the clock advanced")
	default:
	}

	sc.AdvanceTime(59 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before the target time")
	default:
	}

	sc.AdvanceTime(time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, start.Add(time.Minute), got)
	default:
		t.Fatal("did not fire at the target time")
	}
}

func TestSimulatedClockAfterNonPositive(t *testing.T) {
	sc := NewSimulatedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	select {
	case <-sc.After(0):
	default:
		t.Fatal("zero-duration After did not fire immediately")
	}
}
