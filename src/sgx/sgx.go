// Package sgx wires every other package in this module into the
// process-wide EPC subsystem spec.md §6 describes: "sections array, global
// LRU, daemon task handle... initialized once at device init; torn down in
// reverse on failure." Grounded on legacy/mem/mem.go's Phys_init, the
// teacher kernel's own one-shot boot routine — generalized here to return
// an error and unwind what it already built instead of panicking, since a
// library embedded in a larger process cannot afford to bring the whole
// thing down over a single section's bad firmware data.
package sgx

import (
	"fmt"

	"alloc"
	"backing"
	"cgroup"
	"daemon"
	"lru"
	"provision"
	"reclaim"
	"sanitize"
	"section"
)

/// SectionConfig describes one firmware-reported EPC section to bring up.
type SectionConfig struct {
	PhysBase uintptr
	Vaddr    uintptr
	NumPages int
}

/// Config bundles everything Init needs: the sections firmware reported,
/// the backing store to write reclaimed pages to, an optional cgroup
/// charger (cgroup.None if nil), and the daemon's watermarks.
type Config struct {
	Sections      []SectionConfig
	Store         backing.Store
	Charger       cgroup.Charger
	LowWatermark  int
	HighWatermark int
	ProvisionNode string
}

/// System_t is the live, running EPC subsystem: every collaborator Init
/// built, ready for callers (the allocator's own callers, the enclave
/// lifecycle layer) to use.
type System_t struct {
	LRU        *lru.EpcLru_t
	Reclaim    *reclaim.Reclaimer_t
	Alloc      *alloc.Allocator_t
	Daemon     *daemon.Daemon_t
	Provision  provision.Gate_t
	daemonDone chan struct{}
}

/// Init brings up the EPC subsystem in dependency order: sections, boot
/// sanitization, the global LRU and reclaimer, the allocator, the
/// provisioning gate, and finally the background daemon. Any failure
/// unwinds everything already started, in reverse order, before returning.
func Init(cfg Config) (*System_t, error) {
	section.ResetForTest()
	for i, sc := range cfg.Sections {
		if _, err := section.Setup(sc.PhysBase, sc.Vaddr, sc.NumPages); err != nil {
			section.ResetForTest()
			return nil, fmt.Errorf("sgx: section %d setup: %w", i, err)
		}
	}

	res := sanitize.Run()
	if res.StuckCount > 0 {
		section.ResetForTest()
		return nil, fmt.Errorf("sgx: %d EPC pages failed boot sanitization", res.StuckCount)
	}

	sys := &System_t{LRU: lru.Global}

	sys.Reclaim = reclaim.New(cfg.Store)
	sys.Alloc = alloc.New(cfg.Charger, sys.Reclaim)

	if cfg.ProvisionNode != "" {
		if err := sys.Provision.Register(cfg.ProvisionNode); err != nil {
			section.ResetForTest()
			return nil, fmt.Errorf("sgx: provisioning gate: %w", err)
		}
	}

	sys.Daemon = daemon.New(sys.LRU, sys.Reclaim, cfg.LowWatermark, cfg.HighWatermark)
	sys.daemonDone = make(chan struct{})
	go func() {
		sys.Daemon.Run()
		close(sys.daemonDone)
	}()

	return sys, nil
}

/// Shutdown tears the subsystem down in the reverse of Init's bring-up
/// order: stop the daemon and wait for its loop to actually return, then
/// reset the section/LRU global state.
func (s *System_t) Shutdown() {
	s.Daemon.Stop()
	<-s.daemonDone
	section.ResetForTest()
	lru.ResetForTest()
}
