package cpu

import (
	"sync/atomic"
	"testing"
)

func TestMaskSetClearTest(t *testing.T) {
	var m Mask_t
	if !m.Empty() {
		t.Fatal("fresh mask should be empty")
	}
	m.Set(3)
	m.Set(40)
	if !m.Test(3) || !m.Test(40) {
		t.Fatal("expected bits 3 and 40 set")
	}
	if m.Test(4) {
		t.Fatal("bit 4 should not be set")
	}
	m.Clear(3)
	if m.Test(3) {
		t.Fatal("bit 3 should have been cleared")
	}
	if m.Empty() {
		t.Fatal("bit 40 should still be set")
	}
}

func TestBroadcastHitsEveryMaskedCPU(t *testing.T) {
	var mask Mask_t
	want := []int{0, 5, 17, 63}
	for _, id := range want {
		mask.Set(id)
	}

	var count int32
	seen := make([]int32, MaxCPUs)
	Broadcast(mask, func(cpuID int) {
		atomic.AddInt32(&count, 1)
		atomic.AddInt32(&seen[cpuID], 1)
	})

	if int(count) != len(want) {
		t.Fatalf("handler invoked %d times, want %d", count, len(want))
	}
	for _, id := range want {
		if seen[id] != 1 {
			t.Fatalf("cpu %d handler count = %d, want 1", id, seen[id])
		}
	}
}

func TestBroadcastEmptyMaskIsNoop(t *testing.T) {
	called := false
	Broadcast(0, func(int) { called = true })
	if called {
		t.Fatal("handler must not run for an empty mask")
	}
}
