package oom

import (
	"testing"

	"defs"
	"encl"
	"epage"
	"lru"
	"section"
)

func reset(t *testing.T, pages int) {
	t.Helper()
	section.ResetForTest()
	lru.ResetForTest()
	s, err := section.Setup(0x1000, 0x1000, pages)
	if err != nil {
		t.Fatalf("section.Setup: %v", err)
	}
	for p := s.PopUnsanitized(); p != nil; p = s.PopUnsanitized() {
		s.GraduateSanitized(p)
	}
}

func TestHandleReturnsENOMEMWhenUnreclaimableListEmpty(t *testing.T) {
	reset(t, 1)
	_, err := Handle(lru.Global)
	if err != defs.ENOMEM {
		t.Fatalf("err = %v, want ENOMEM", err)
	}
}

func TestHandleFreesStandaloneVAPage(t *testing.T) {
	reset(t, 2)
	e := encl.New(0, 0x4000)
	vaPage := section.AllocOne()
	e.AddVAPage(vaPage)
	vaPage.Owner = epage.Owner_t{Kind: epage.OwnerVersionArray, Ref: e}
	lru.Global.Record(vaPage, 0)

	freed, err := Handle(lru.Global)
	if !err.Ok() {
		t.Fatalf("Handle failed: %v", err)
	}
	if freed != 1 {
		t.Fatalf("freed = %d, want 1", freed)
	}
	if e.Flags()&encl.FlagOom == 0 {
		t.Fatal("the owning enclave must have its OOM flag set, per spec.md §4.6")
	}
	if section.Sections[0].FreeCount() != 2 {
		t.Fatalf("FreeCount = %d, want 2 (VA page returned)", section.Sections[0].FreeCount())
	}
}

func TestHandleLeavesRootPageWithLiveChildren(t *testing.T) {
	reset(t, 2)
	e := encl.New(0, 0x4000)
	e.IncChild()
	e.SecsPage = section.AllocOne()
	e.SecsPage.Owner = epage.Owner_t{Kind: epage.OwnerVersionArray, Ref: e}
	lru.Global.Record(e.SecsPage, 0)

	freed, err := Handle(lru.Global)
	if !err.Ok() {
		t.Fatalf("Handle failed: %v", err)
	}
	if freed != 0 {
		t.Fatalf("freed = %d, want 0 (root has a live child)", freed)
	}
	if !e.DeadOrOom() {
		t.Fatal("the enclave must still be marked OOM even though the root survives")
	}
	if e.SecsPage == nil {
		t.Fatal("the root page must not be torn down while children are live")
	}
}

func TestHandleSkipsDeadOwnerAndReportsENOMEM(t *testing.T) {
	reset(t, 1)
	e := encl.New(0, 0x4000)
	vaPage := section.AllocOne()
	e.AddVAPage(vaPage)
	vaPage.Owner = epage.Owner_t{Kind: epage.OwnerVersionArray, Ref: e}
	lru.Global.Record(vaPage, 0)
	e.Put() // drop the sole reference so TryGet() starts failing

	_, err := Handle(lru.Global)
	if err != defs.ENOMEM {
		t.Fatalf("err = %v, want ENOMEM when every candidate's owner is already dying", err)
	}
}
