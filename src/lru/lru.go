// Package lru implements EpcLru_t, the reclaimable/unreclaimable tracking
// lists from spec.md §3/§4.2, following the lock-then-splice free-list
// idiom of the teacher kernel's mem.Physmem_t (legacy/mem/mem.go:
// _phys_new/_phys_insert), generalized from a single free list to the
// two-list, get-unless-zero isolation protocol spec.md §4.2 requires.
package lru

import (
	"container/list"
	"fmt"
	"sync"

	"epage"
)

/// EpcLru_t holds two lists — reclaimable and unreclaimable — guarded by a
/// single spinlock, per spec.md §3. Exactly one global instance always
/// exists; zero or more cgroup-scoped instances may also exist.
type EpcLru_t struct {
	mu            sync.Mutex
	reclaimable   list.List
	unreclaimable list.List
}

/// New returns a fresh, empty EpcLru_t.
func New() *EpcLru_t {
	return &EpcLru_t{}
}

/// Global is the one LRU instance that always exists (spec.md §3).
var Global = New()

var (
	cgroupMu   sync.Mutex
	cgroupLrus = map[any]*EpcLru_t{}
)

/// For returns the LRU a page charged to cgroupKey should be tracked on:
/// the owning cgroup's LRU if cgroupKey is non-nil, else the global LRU (spec.md §4.2 "LRU selection").
func For(cgroupKey any) *EpcLru_t {
	if cgroupKey == nil {
		return Global
	}
	cgroupMu.Lock()
	defer cgroupMu.Unlock()
	l, ok := cgroupLrus[cgroupKey]
	if !ok {
		l = New()
		cgroupLrus[cgroupKey] = l
	}
	return l
}

/// ResetForTest drops every cgroup-scoped LRU and clears Global; only
/// meant for tests that need a clean slate between scenarios.
func ResetForTest() {
	cgroupMu.Lock()
	cgroupLrus = map[any]*EpcLru_t{}
	cgroupMu.Unlock()
	Global = New()
}

/// Record links page onto the reclaimable or unreclaimable list depending
/// on the flags bits being OR'd in, per spec.md §4.2. Panics-as-warning if
/// a reclaim flag is already set, since that can only mean a caller bug.
func (l *EpcLru_t) Record(page *epage.EpcPage_t, flags epage.Flag_t) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if page.Flags().Has(epage.FReclaimInProgress) {
		fmt.Printf("lru: WARN: Record called on a page already marked RECLAIM_IN_PROGRESS\n")
	}
	page.SetFlags(flags)

	var elem *list.Element
	var id epage.ListID
	if page.Flags().Has(epage.FReclaimable) {
		elem = l.reclaimable.PushBack(page)
		id = epage.ListLruReclaimable
	} else {
		elem = l.unreclaimable.PushBack(page)
		id = epage.ListLruUnreclaimable
	}
	page.SetLink(id, elem)
}

/// Drop removes page from whichever LRU list holds it and clears its
/// reclaim flags, per spec.md §4.2. Returns busy=true (and leaves the page
/// untouched) when a reclaim is in flight for it — the reclaimer owns the
/// page in that case and the caller must retry or defer destruction.
func (l *EpcLru_t) Drop(page *epage.EpcPage_t) (busy bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if page.Flags().Has(epage.FReclaimable) && page.Flags().Has(epage.FReclaimInProgress) {
		return true
	}

	l.unlinkLocked(page)
	page.ClearFlags(epage.FEnclave | epage.FVersionArray | epage.FReclaimable | epage.FReclaimInProgress | epage.FReclaimed)
	return false
}

func (l *EpcLru_t) unlinkLocked(page *epage.EpcPage_t) {
	switch page.List() {
	case epage.ListLruReclaimable:
		l.reclaimable.Remove(page.Elem())
	case epage.ListLruUnreclaimable:
		l.unreclaimable.Remove(page.Elem())
	}
	page.ClearLink()
}

/// Isolate removes at most want pages from the head of the reclaimable
/// list (oldest first) and appends each to dst, per spec.md §4.2. For
/// every candidate it calls tryGetOwner with the page's owner; on success
/// the page is marked FReclaimInProgress and moved to dst. On failure (the
/// owner is concurrently being freed) the page is unlinked and its
/// FReclaimable bit cleared without moving it anywhere — its owner's
/// teardown path is responsible for it from that point on. Both outcomes
/// count as scan progress. Returns the number of candidates examined.
func (l *EpcLru_t) Isolate(want int, dst *list.List, tryGetOwner func(epage.Owner_t) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	scanned := 0
	e := l.reclaimable.Front()
	for e != nil && want > 0 {
		next := e.Next()
		page := e.Value.(*epage.EpcPage_t)

		l.reclaimable.Remove(e)
		page.ClearLink()

		if tryGetOwner(page.Owner) {
			page.SetFlags(epage.FReclaimInProgress)
			elem := dst.PushBack(page)
			page.SetLink(epage.ListIsolation, elem)
		} else {
			page.ClearFlags(epage.FReclaimable)
		}

		scanned++
		want--
		e = next
	}
	return scanned
}

/// Requeue moves an isolated page (FReclaimInProgress set) back to the
/// tail of the reclaimable list and clears the in-progress bit, per
/// spec.md §4.3 phase 1's skip path ("move back to the tail ... so the
/// next scan sees them last" — spec.md §5 ordering guarantee).
func (l *EpcLru_t) Requeue(page *epage.EpcPage_t) {
	l.mu.Lock()
	defer l.mu.Unlock()

	page.ClearFlags(epage.FReclaimInProgress)
	elem := l.reclaimable.PushBack(page)
	page.SetLink(epage.ListLruReclaimable, elem)
}

/// Empty reports whether the reclaimable list has no entries, used by the
/// daemon's reclaim loop and by the allocator's reclaim loop.
func (l *EpcLru_t) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reclaimable.Len() == 0
}

/// FirstUnreclaimableVictim removes and returns the first unreclaimable
/// page whose owner tryGetOwner still accepts a reference, skipping (and
/// unlinking) any whose owner is already being freed, per spec.md §4.6's
/// OOM victim-selection rule. Returns nil if no victim was found.
func (l *EpcLru_t) FirstUnreclaimableVictim(tryGetOwner func(epage.Owner_t) bool) *epage.EpcPage_t {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.unreclaimable.Front()
	for e != nil {
		next := e.Next()
		page := e.Value.(*epage.EpcPage_t)
		l.unreclaimable.Remove(e)
		page.ClearLink()

		if tryGetOwner(page.Owner) {
			return page
		}
		e = next
	}
	return nil
}
