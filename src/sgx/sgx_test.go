package sgx

import (
	"testing"
	"time"

	"backing"
	"epage"
	"hw"
	"section"
)

func pageOwnerForTest() epage.Owner_t {
	return epage.Owner_t{Kind: epage.OwnerVirt, Ref: "test-owner"}
}

func TestInitBringsUpSectionsAndShutdownTearsDown(t *testing.T) {
	orig := hw.Eremove
	defer func() { hw.Eremove = orig }()

	cfg := Config{
		Sections: []SectionConfig{
			{PhysBase: 0x1000, Vaddr: 0x1000, NumPages: 4},
			{PhysBase: 0x2000, Vaddr: 0x2000, NumPages: 2},
		},
		Store:         backing.NewMemStore(),
		LowWatermark:  1,
		HighWatermark: 6,
	}

	sys, err := Init(cfg)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if section.TotalFree() != 6 {
		t.Fatalf("TotalFree after Init = %d, want 6", section.TotalFree())
	}

	page, aerr := sys.Alloc.Alloc(pageOwnerForTest(), nil, false, false)
	if !aerr.Ok() {
		t.Fatalf("Alloc: %v", aerr)
	}
	if page == nil {
		t.Fatal("Alloc returned nil")
	}

	sys.Shutdown()
	select {
	case <-sys.daemonDone:
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop within the timeout")
	}
}

func TestInitFailsClosedWhenSanitizationLeavesAStuckPage(t *testing.T) {
	orig := hw.Eremove
	defer func() { hw.Eremove = orig }()
	hw.Eremove = func(uintptr) hw.Status { return hw.StatusFailure }

	cfg := Config{
		Sections: []SectionConfig{{PhysBase: 0x1000, Vaddr: 0x1000, NumPages: 1}},
		Store:    backing.NewMemStore(),
	}

	_, err := Init(cfg)
	if err == nil {
		t.Fatal("Init should fail when boot sanitization cannot clear every page")
	}
}
