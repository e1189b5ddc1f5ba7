package reclaim

import (
	"testing"

	"backing"
	"encl"
	"epage"
	"hw"
	"lru"
	"section"
)

type fakeMm struct {
	young bool
}

func (m *fakeMm) TryGet() bool { return true }
func (m *fakeMm) Put()         {}
func (m *fakeMm) RLock()       {}
func (m *fakeMm) RUnlock()     {}
func (m *fakeMm) TestAndClearYoung(p *epage.EpcPage_t) bool {
	was := m.young
	m.young = false
	return was
}
func (m *fakeMm) InvalidatePTE(p *epage.EpcPage_t) {}
func (m *fakeMm) CPUID() (int, bool)               { return 0, false }

func resetAll(t *testing.T) {
	t.Helper()
	section.ResetForTest()
	lru.ResetForTest()
	origEremove, origEblock, origEtrack, origEwb := hw.Eremove, hw.Eblock, hw.Etrack, hw.Ewb
	t.Cleanup(func() {
		hw.Eremove, hw.Eblock, hw.Etrack, hw.Ewb = origEremove, origEblock, origEtrack, origEwb
	})
	s, err := section.Setup(0x1000, 0x1000, 4)
	if err != nil {
		t.Fatalf("section.Setup: %v", err)
	}
	for p := s.PopUnsanitized(); p != nil; p = s.PopUnsanitized() {
		s.GraduateSanitized(p)
	}
}

func setupEnclPage(t *testing.T, young bool) (*epage.EpcPage_t, *encl.SgxEncl_t, *encl.PageRef_t) {
	t.Helper()
	e := encl.New(0, 0x4000)
	e.SecsPage = section.AllocOne()
	e.IncChild()
	e.AttachMm(&fakeMm{young: young})

	page := section.AllocOne()
	if page == nil {
		t.Fatal("out of EPC pages in test section")
	}
	ref := &encl.PageRef_t{Encl: e, VAddr: 0x1000}
	page.Owner = epage.Owner_t{Kind: epage.OwnerEnclave, Ref: ref}
	lru.Global.Record(page, epage.FEnclave|epage.FReclaimable)
	return page, e, ref
}

func TestReclaimWritesBackOldPage(t *testing.T) {
	resetAll(t)
	page, e, ref := setupEnclPage(t, false)
	store := backing.NewMemStore()

	r := New(store)
	n := r.Reclaim(lru.Global, 1, false)
	if n != 1 {
		t.Fatalf("Reclaim wrote back %d pages, want 1", n)
	}
	if page.Flags().Has(epage.FReclaimInProgress) {
		t.Fatal("a written-back page must not still be RECLAIM_IN_PROGRESS")
	}
	if e.RefCount() != 1 {
		t.Fatalf("enclave refcount = %d, want 1 (reclaimer's reference released)", e.RefCount())
	}
	if ref.VAPage == nil {
		t.Fatal("PageRef_t.VAPage must record the VA page the write-back used")
	}
	if ref.Slot != page.VASlot {
		t.Fatalf("PageRef_t.Slot = %d, want %d (EpcPage_t.VASlot at write-back time)", ref.Slot, page.VASlot)
	}
}

func TestReclaimSkipsYoungPage(t *testing.T) {
	resetAll(t)
	page, _, _ := setupEnclPage(t, true)
	store := backing.NewMemStore()

	r := New(store)
	n := r.Reclaim(lru.Global, 1, false)
	if n != 0 {
		t.Fatalf("Reclaim wrote back %d young pages, want 0", n)
	}
	if !page.Flags().Has(epage.FReclaimable) {
		t.Fatal("a requeued page must still be marked reclaimable")
	}
	if page.Flags().Has(epage.FReclaimInProgress) {
		t.Fatal("a requeued page must have RECLAIM_IN_PROGRESS cleared")
	}
}

func TestReclaimIgnoreAgeReclaimsYoungPage(t *testing.T) {
	resetAll(t)
	setupEnclPage(t, true)
	store := backing.NewMemStore()

	r := New(store)
	n := r.Reclaim(lru.Global, 1, true)
	if n != 1 {
		t.Fatalf("Reclaim with ignoreAge wrote back %d pages, want 1", n)
	}
}

func TestReclaimBackingFailureRequeues(t *testing.T) {
	resetAll(t)
	page, e, _ := setupEnclPage(t, false)
	store := backing.NewMemStore()
	store.FailNext = 1

	r := New(store)
	n := r.Reclaim(lru.Global, 1, false)
	if n != 0 {
		t.Fatalf("Reclaim wrote back %d pages despite a backing failure, want 0", n)
	}
	if !page.Flags().Has(epage.FReclaimable) {
		t.Fatal("a backing-failure page must be requeued as reclaimable")
	}
	if e.RefCount() != 1 {
		t.Fatalf("enclave refcount = %d, want 1 after the failed attempt released its reference", e.RefCount())
	}
}

func TestReclaimRetriesThroughNotTrackedLadder(t *testing.T) {
	resetAll(t)
	setupEnclPage(t, false)
	store := backing.NewMemStore()

	ewbCalls := 0
	etrackCalls := 0
	hw.Etrack = func(uintptr) hw.Status {
		etrackCalls++
		return hw.StatusSuccess
	}
	hw.Ewb = func(hw.PageInfo_t, uintptr, int) hw.Status {
		ewbCalls++
		if ewbCalls < 3 {
			return hw.StatusNotTracked
		}
		return hw.StatusSuccess
	}

	r := New(store)
	n := r.Reclaim(lru.Global, 1, false)
	if n != 1 {
		t.Fatalf("Reclaim wrote back %d pages after the retry ladder, want 1", n)
	}
	if ewbCalls != 3 {
		t.Fatalf("EWB invoked %d times, want 3 (two NOT_TRACKED, one success)", ewbCalls)
	}
	if etrackCalls != 1 {
		t.Fatalf("ETRACK invoked %d times, want 1", etrackCalls)
	}
}

func TestReclaimGivesUpAfterExhaustingLadder(t *testing.T) {
	resetAll(t)
	page, e, _ := setupEnclPage(t, false)
	store := backing.NewMemStore()
	hw.Ewb = func(hw.PageInfo_t, uintptr, int) hw.Status { return hw.StatusNotTracked }

	r := New(store)
	n := r.Reclaim(lru.Global, 1, false)
	if n != 0 {
		t.Fatalf("Reclaim wrote back %d pages despite a permanently NOT_TRACKED page, want 0", n)
	}
	if !page.Flags().Has(epage.FReclaimable) {
		t.Fatal("an exhausted-ladder page must be requeued as reclaimable")
	}
	if e.RefCount() != 1 {
		t.Fatalf("enclave refcount = %d, want 1", e.RefCount())
	}
}
