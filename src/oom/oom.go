// Package oom implements out-of-memory victim selection and enclave
// teardown, spec.md §4.6's last-resort path once the ordinary reclaimer
// (package reclaim) has made no further progress against the reclaimable
// list. Grounded on legacy/vm/as.go's lock-then-walk idiom (an enclave's
// mu here plays the role Vm_t's embedded mutex does there) and on spec.md
// §4.6 directly, since no teacher subsystem ever needed to pick a victim
// under memory pressure.
package oom

import (
	"fmt"

	"defs"
	"encl"
	"epage"
	"hw"
	"lru"
	"section"
	"virt"
)

/// tryGetOwner mirrors reclaim's dispatch (duplicated rather than shared,
/// since reclaim intentionally keeps no exported owner-dispatch surface —
/// see DESIGN.md).
func tryGetOwner(o epage.Owner_t) bool {
	switch o.Kind {
	case epage.OwnerEnclave:
		return o.Ref.(*encl.PageRef_t).Encl.TryGet()
	case epage.OwnerVersionArray:
		return o.Ref.(*encl.SgxEncl_t).TryGet()
	case epage.OwnerVirt:
		if virt.Registered == nil {
			return false
		}
		return virt.Registered.GetRef(o.Ref)
	default:
		return false
	}
}

/// Handle picks one victim from l's unreclaimable list and reclaims or
/// tears down whatever owns it, per spec.md §4.6:
///   - a version-array or root (SECS) page: set the owning enclave's OOM
///     flag under its lock and free the victim page itself where that is
///     safe to do immediately (see destroyOwningEnclave).
///   - a virtualized-EPC page: delegate to the registered virt backend's
///     OOM hook.
///
/// "Destroy the entire owning enclave" (spec.md §4.6's phrasing) is a
/// composition, not a single synchronous sweep here: setting FlagOom
/// makes every remaining child page's aging test short-circuit to "old"
/// (encl.SgxEncl_t.DeadOrOom, consulted by reclaim.isYoung and by
/// reclaim's own dead-or-oom root-eviction check), so the very next
/// ordinary reclaim scan — daemon or direct-reclaim — evicts every other
/// child page of this enclave with zero aging delay, without OOM itself
/// needing a registry of every page an enclave owns (the core's data
/// model tracks only ChildCount, a counter, not a page list — see
/// DESIGN.md's Open Question decisions). The full PTE-zap-by-VMA-range
/// spec.md §4.6 describes belongs to the out-of-scope page-fault/mmap
/// subsystem (spec.md §1); this package only ever touches the one victim
/// page's own PTEs, via the same per-page invalidation path the ordinary
/// reclaimer's Phase 2 uses.
///
/// Returns the number of EPC pages actually freed by this call (teardown
/// of a root page whose children are still live frees zero pages now; the
/// ordinary reclaimer finishes that job once the last child is evicted —
/// see package reclaim's DecChild/SecsPage handling) and ENOMEM if the
/// unreclaimable list had no eligible victim at all.
func Handle(l *lru.EpcLru_t) (freed int, err defs.Err_t) {
	victim := l.FirstUnreclaimableVictim(tryGetOwner)
	if victim == nil {
		return 0, defs.ENOMEM
	}

	switch victim.Owner.Kind {
	case epage.OwnerVersionArray, epage.OwnerEnclave:
		return destroyOwningEnclave(victim), 0
	case epage.OwnerVirt:
		h := victim.Owner.Ref
		if virt.Registered != nil && virt.Registered.OOM(h) {
			return 1, 0
		}
		return 0, defs.ENOMEM
	default:
		fmt.Printf("oom: WARN: unreclaimable page with no recognized owner kind\n")
		return 0, defs.ENOMEM
	}
}

/// destroyOwningEnclave sets e's OOM flag under its lock and, if victim is
/// a standalone VA page, frees it immediately. A root (SECS) page is only
/// freed once its child count has already reached zero; otherwise marking
/// it under OOM is enough — the reclaimer's write-back path evicts the
/// root itself once the last child is written back (spec.md §4.3's
/// DecChild-triggered eviction, which checks DeadOrOom so an OOM-marked
/// enclave's root drains the same way a DEAD one's does).
func destroyOwningEnclave(victim *epage.EpcPage_t) int {
	var e *encl.SgxEncl_t
	switch victim.Owner.Kind {
	case epage.OwnerVersionArray:
		e = victim.Owner.Ref.(*encl.SgxEncl_t)
	case epage.OwnerEnclave:
		e = victim.Owner.Ref.(*encl.PageRef_t).Encl
	}
	defer e.Put()

	e.Lock()
	e.SetFlag(encl.FlagOom)
	isRoot := victim == e.SecsPage
	childCount := e.ChildCount
	e.Unlock()

	if isRoot && childCount > 0 {
		// Leave it marked OOM; the reclaimer evicts it once the last
		// child page is written back.
		return 0
	}

	status := hw.Eremove(section.PageAddr(victim))
	if status != hw.StatusSuccess {
		fmt.Printf("oom: WARN: EREMOVE failed tearing down enclave root/VA page, leaking it\n")
		return 0
	}

	e.Lock()
	if isRoot {
		e.SecsPage = nil
	}
	e.Unlock()

	section.Free(victim)
	return 1
}
