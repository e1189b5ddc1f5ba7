package section

import (
	"testing"

	"epage"
	"hw"
)

func setupOneSection(t *testing.T, numPages int) *EpcSection_t {
	t.Helper()
	ResetForTest()
	s, err := Setup(0x1000_0000, 0xffff_8000_0000_0000, numPages)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	// Sanitize by hand: graduate every page straight to free, bypassing
	// the sanitize package to keep this test package-local. Setup already
	// seeded freeCount optimistically, so graduation must not re-count.
	for {
		p := s.PopUnsanitized()
		if p == nil {
			break
		}
		s.GraduateSanitized(p)
	}
	return s
}

func TestAllocOneDecrementsFreeCount(t *testing.T) {
	s := setupOneSection(t, 4)
	if got := s.FreeCount(); got != 4 {
		t.Fatalf("FreeCount = %d, want 4", got)
	}
	p := AllocOne()
	if p == nil {
		t.Fatal("AllocOne returned nil with pages available")
	}
	if got := s.FreeCount(); got != 3 {
		t.Fatalf("FreeCount after one alloc = %d, want 3", got)
	}
}

func TestAllocOneExhaustion(t *testing.T) {
	s := setupOneSection(t, 1)
	if p := AllocOne(); p == nil {
		t.Fatal("expected one page available")
	}
	if got := s.FreeCount(); got != 0 {
		t.Fatalf("FreeCount = %d, want 0", got)
	}
	if p := AllocOne(); p != nil {
		t.Fatal("AllocOne should return nil once exhausted")
	}
}

func TestFreeRestoresCountAndClearsFlags(t *testing.T) {
	s := setupOneSection(t, 2)
	p := AllocOne()
	p.Owner = epage.Owner_t{Kind: epage.OwnerEnclave, Ref: "fake"}
	p.SetFlags(epage.FEnclave)

	Free(p)

	if got := s.FreeCount(); got != 2 {
		t.Fatalf("FreeCount after round-trip = %d, want 2", got)
	}
	if p.Flags() != 0 {
		t.Fatalf("flags after Free = %v, want 0", p.Flags())
	}
	if p.List() != epage.ListSectionFree {
		t.Fatalf("page list after Free = %v, want ListSectionFree", p.List())
	}
}

func TestFreeLeaksOnEremoveFailure(t *testing.T) {
	s := setupOneSection(t, 1)
	p := AllocOne()

	orig := hw.Eremove
	defer func() { hw.Eremove = orig }()
	hw.Eremove = func(uintptr) hw.Status { return hw.StatusFailure }

	Free(p)

	if got := s.FreeCount(); got != 0 {
		t.Fatalf("FreeCount after failed EREMOVE = %d, want 0 (page must be leaked, not returned)", got)
	}
}

func TestSetupRoundsDownAnUnalignedPhysBase(t *testing.T) {
	ResetForTest()
	s, err := Setup(0x1000_0123, 0xffff_8000_0000_0000, 1)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if s.PhysBase != 0x1000_0000 {
		t.Fatalf("PhysBase = %#x, want %#x (rounded down to page granularity)", s.PhysBase, 0x1000_0000)
	}
}

func TestAllocOneIteratesSectionsInOrder(t *testing.T) {
	ResetForTest()
	s0, _ := Setup(0x1000, 0xffff000000000000, 0)
	s1, _ := Setup(0x2000, 0xffff000000001000, 1)
	p := &epage.EpcPage_t{SectionIdx: s1.Idx, Frame: 0}
	s1.PushFree(p)

	got := AllocOne()
	if got == nil || got.SectionIdx != s1.Idx {
		t.Fatalf("expected the only free page from section 1, got %+v (s0 empty=%v)", got, s0.FreeCount() == 0)
	}
}
