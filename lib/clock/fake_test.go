// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeSleepAdvancesTime(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := NewFake(start)

	fake.Sleep(2 * time.Second)
	fake.Sleep(4 * time.Second)

	if got := fake.Now(); !got.Equal(start.Add(6 * time.Second)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(6*time.Second))
	}

	sleeps := fake.Sleeps()
	if len(sleeps) != 2 {
		t.Fatalf("recorded %d sleeps, want 2", len(sleeps))
	}
	if sleeps[0] != 2*time.Second || sleeps[1] != 4*time.Second {
		t.Errorf("sleeps = %v, want [2s 4s]", sleeps)
	}
}

func TestFakeAdvanceDoesNotRecordSleep(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))
	fake.Advance(time.Hour)

	if len(fake.Sleeps()) != 0 {
		t.Errorf("Advance recorded a sleep: %v", fake.Sleeps())
	}
	if got := fake.Now(); !got.Equal(time.Unix(0, 0).Add(time.Hour)) {
		t.Errorf("Now() = %v after Advance(1h)", got)
	}
}
