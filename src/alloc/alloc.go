// Package alloc implements alloc_one/alloc/free, spec.md §4.1's top-level
// entry points. Grounded on legacy/mem/mem.go's _refpg_new/_phys_new/
// _phys_put pair: a fast path that pops a free page under lock, falling
// back to an explicit reclaim-and-retry loop when the pool is empty, with
// the cgroup charge taken first and unwound on every failure exit — the
// same charge/refund discipline legacy/limits/limits.go's Sysatomic_t
// already follows.
package alloc

import (
	"cgroup"
	"defs"
	"epage"
	"lru"
	"reclaim"
	"section"
)

/// MaxDirectReclaimAttempts bounds how many direct-reclaim passes Alloc
/// will drive before giving up with ENOMEM, per spec.md §4.1's "retries a
/// bounded number of times, not indefinitely".
const MaxDirectReclaimAttempts = 4

/// SignalPending reports whether the calling task has a pending signal,
/// per spec.md §4.1 step 2's "if the current task has a pending signal,
/// fail with RESTART". Mockable the same way hw.go's instruction vars are:
/// a library has no "current task" of its own, so the default always
/// reports false and a real caller embedding this allocator in a
/// signal-aware scheduler replaces it during init.
var SignalPending = func() bool { return false }

/// Allocator_t bundles the reclaimer and cgroup charger Alloc consults.
/// A zero-value Allocator_t (nil Charger, nil Reclaimer) is invalid; use
/// New.
type Allocator_t struct {
	Charger cgroup.Charger
	Reclaim *reclaim.Reclaimer_t
}

/// New returns an Allocator_t that charges through charger (cgroup.None if
/// nil) and direct-reclaims through r.
func New(charger cgroup.Charger, r *reclaim.Reclaimer_t) *Allocator_t {
	if charger == nil {
		charger = cgroup.None
	}
	return &Allocator_t{Charger: charger, Reclaim: r}
}

/// Alloc reserves one EPC page for owner, charging cgroupKey (nil for the
/// uncharged/global case) and linking the page onto the LRU selected by
/// cgroupKey. reclaimable must be true only for enclave child pages per
/// spec.md §3's invariant that root (SECS) and VA pages are never
/// reclaimable. allowReclaim gates whether Alloc may drive direct
/// (synchronous) reclaim when the section pool is empty — callers on a
/// latency-sensitive path may pass false and rely on the background daemon
/// instead (spec.md §4.1/§4.4).
func (a *Allocator_t) Alloc(owner epage.Owner_t, cgroupKey any, reclaimable, allowReclaim bool) (*epage.EpcPage_t, defs.Err_t) {
	if err := a.Charger.TryCharge(cgroupKey); !err.Ok() {
		return nil, err
	}

	page, err := a.loop(cgroupKey, allowReclaim)
	if page == nil {
		a.Charger.Uncharge(cgroupKey)
		return nil, err
	}

	page.Owner = owner
	page.CgroupRef = cgroupKey

	l := lru.For(cgroupKey)
	if reclaimable {
		l.Record(page, epage.FEnclave|epage.FReclaimable)
	} else {
		l.Record(page, 0)
	}

	return page, 0
}

/// loop implements spec.md §4.1 step 2 directly: attempt alloc_one; on an
/// empty pool, fail fast with ENOMEM if nothing is reclaimable anywhere,
/// fail with BUSY if the caller disallowed reclaim, fail with RESTART if a
/// signal is pending, and otherwise drive one bounded reclaim scan and
/// retry — up to MaxDirectReclaimAttempts times, since an EPC pool that
/// never yields a page despite repeated successful reclaims would
/// otherwise spin forever.
func (a *Allocator_t) loop(cgroupKey any, allowReclaim bool) (*epage.EpcPage_t, defs.Err_t) {
	l := lru.For(cgroupKey)

	for attempt := 0; ; attempt++ {
		if page := section.AllocOne(); page != nil {
			return page, 0
		}

		if l.Empty() {
			return nil, defs.ENOMEM
		}
		if !allowReclaim || a.Reclaim == nil {
			return nil, defs.EBUSY
		}
		if SignalPending() {
			return nil, defs.ERESTART
		}
		if attempt >= MaxDirectReclaimAttempts {
			return nil, defs.ENOMEM
		}

		a.Reclaim.Reclaim(l, reclaim.ScanBatch, false)
	}
}

/// Free releases page back to its section's free list and uncharges
/// cgroupKey, per spec.md §4.1. Returns EBUSY, leaving the page untouched,
/// if a reclaim is in flight for it — the reclaimer's own write-back path
/// owns the page's eventual release in that case.
func (a *Allocator_t) Free(page *epage.EpcPage_t, cgroupKey any) defs.Err_t {
	if busy := lru.For(cgroupKey).Drop(page); busy {
		return defs.EBUSY
	}
	section.Free(page)
	a.Charger.Uncharge(cgroupKey)
	return 0
}
