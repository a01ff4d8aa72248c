package resource

import (
	"context"
	"testing"
	"time"
)

func TestAllocateSaturatesWithoutSideEffects(t *testing.T) {
	m := New(2)
	if !m.Allocate(1) {
		t.Fatal("first Allocate should succeed")
	}
	if !m.Allocate(1) {
		t.Fatal("second Allocate should succeed")
	}
	if m.Allocate(1) {
		t.Fatal("third Allocate should fail: budget exhausted")
	}
	if got := m.TotalAllocations(); got != 2 {
		t.Errorf("TotalAllocations = %d, want 2 (failed Allocate must not count)", got)
	}
	if got := m.PeakConcurrency(); got != 2 {
		t.Errorf("PeakConcurrency = %d, want 2", got)
	}
}

func TestReleaseClampsAtZero(t *testing.T) {
	m := New(2)
	m.Release(5) // no prior Allocate at all
	if got := m.CurrentUtilizationPercent(); got != 0 {
		t.Errorf("CurrentUtilizationPercent after over-release = %v, want 0", got)
	}
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	m := New(3)
	m.Allocate(2)
	m.Release(1)
	if got, want := m.CurrentUtilizationPercent(), 100.0/3; (got-want) > 0.01 || (want-got) > 0.01 {
		t.Errorf("CurrentUtilizationPercent = %v, want ~%v", got, want)
	}
	if got := m.TotalReleases(); got != 1 {
		t.Errorf("TotalReleases = %d, want 1", got)
	}
}

func TestAcquireBlocksUntilReleased(t *testing.T) {
	m := New(1)
	m.Allocate(1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Acquire(ctx, 1) }()

	select {
	case <-done:
		t.Fatal("Acquire returned before the slot was released")
	case <-time.After(50 * time.Millisecond):
	}

	m.Release(1)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Acquire returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not unblock after Release")
	}
}
