// Package reclaim implements the three-phase EPC page reclaimer of spec.md
// §4.3: isolate-and-age, block, write-back-with-epoch-tracking. No single
// teacher file does eviction (biscuit is a microkernel that never needed to
// page hardware enclave memory back out), so this package is grounded on
// spec.md §4.3/§5/§9 directly, reusing the free-list-under-lock and
// lock-scoped-per-page idioms the rest of this module already carries from
// legacy/mem/mem.go and legacy/vm/as.go. golang.org/x/sync/semaphore bounds
// the concurrent per-mm PTE walks phase 2 fans out, the same role the
// teacher's own goroutine-per-CPU style (legacy/mem/mem.go percpu arrays)
// plays for bounded concurrent work elsewhere in this module.
package reclaim

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sync/semaphore"

	"backing"
	"cpu"
	"encl"
	"epage"
	"hw"
	"lru"
	"section"
	"virt"
)

/// MaxBatch bounds how many pages a single Reclaim call isolates and
/// carries through phases 2 and 3, per spec.md §4.3.
const MaxBatch = 32

/// ScanBatch is the default number of pages a caller scans per Reclaim
/// call on the daemon/direct-reclaim paths, per spec.md §6's SCAN_BATCH
/// tunable (default 16, half of MaxBatch).
const ScanBatch = 16

/// DefaultSemWeight bounds how many mm walks run concurrently during phase
/// 2's PTE invalidation fan-out.
const DefaultSemWeight = 8

/// Reclaimer_t drives the three-phase protocol against a backing store.
type Reclaimer_t struct {
	Store     backing.Store
	MaxBatch  int
	SemWeight int64
}

/// New returns a Reclaimer_t with spec.md §4.3's default batch size and a
/// modest default concurrency bound for phase 2.
func New(store backing.Store) *Reclaimer_t {
	return &Reclaimer_t{Store: store, MaxBatch: MaxBatch, SemWeight: DefaultSemWeight}
}

func (r *Reclaimer_t) maxBatch() int {
	if r.MaxBatch <= 0 {
		return MaxBatch
	}
	return r.MaxBatch
}

func (r *Reclaimer_t) semWeight() int64 {
	if r.SemWeight <= 0 {
		return DefaultSemWeight
	}
	return r.SemWeight
}

type candidate_t struct {
	page    *epage.EpcPage_t
	encl    *encl.SgxEncl_t
	pageRef *encl.PageRef_t
	index   int
	bck     backing.Backing_t
}

/// tryGetOwner dispatches the get-unless-zero upgrade to whichever owner
/// kind page.Owner carries, per spec.md §9's polymorphic-owner design.
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

func putOwner(o epage.Owner_t) {
	switch o.Kind {
	case epage.OwnerEnclave:
		o.Ref.(*encl.PageRef_t).Encl.Put()
	case epage.OwnerVersionArray:
		o.Ref.(*encl.SgxEncl_t).Put()
	}
}

/// isYoung walks every mm attached to e and reports whether any of them has
/// the access bit set on page, clearing it as it goes (spec.md §4.3 phase
/// 1's aging test). Short-circuits false the moment the enclave is seen
/// dead or under OOM — the second Open Question decision in DESIGN.md.
func isYoung(e *encl.SgxEncl_t, page *epage.EpcPage_t) bool {
	if e.DeadOrOom() {
		return false
	}
	young := false
	e.WalkMms(func(mm encl.Mm_i) {
		if !mm.TryGet() {
			return
		}
		defer mm.Put()
		mm.RLock()
		if mm.TestAndClearYoung(page) {
			young = true
		}
		mm.RUnlock()
	})
	return young
}

/// Reclaim runs one full isolate/block/write-back pass over l, scanning at
/// most scanBatch pages (capped at the reclaimer's MaxBatch). ignoreAge
/// skips the young-page aging test; the daemon and the allocator both pass
/// false, and the OOM path does not call Reclaim. Returns the number of pages actually written back
/// and freed.
func (r *Reclaimer_t) Reclaim(l *lru.EpcLru_t, scanBatch int, ignoreAge bool) int {
	want := scanBatch
	if want > r.maxBatch() {
		want = r.maxBatch()
	}

	iso := &list.List{}
	l.Isolate(want, iso, tryGetOwner)

	candidates := r.phase1(l, iso, ignoreAge)
	if len(candidates) == 0 {
		return 0
	}

	r.phase2(candidates)

	return r.phase3(l, candidates)
}

/// phase1 drains iso, applying the per-page aging/backing-acquisition test
/// and returning the survivors that should proceed to phases 2 and 3.
/// Pages that fail the test are requeued to the tail of l and their owner
/// reference released, per spec.md §4.3 phase 1.
func (r *Reclaimer_t) phase1(l *lru.EpcLru_t, iso *list.List, ignoreAge bool) []*candidate_t {
	var kept []*candidate_t

	for e := iso.Front(); e != nil; {
		next := e.Next()
		page := e.Value.(*epage.EpcPage_t)
		iso.Remove(e)
		e = next

		if len(kept) >= r.maxBatch() {
			l.Requeue(page)
			putOwner(page.Owner)
			continue
		}

		encl_, pr, ok := ownerEncl(page.Owner)
		if !ok {
			l.Requeue(page)
			putOwner(page.Owner)
			continue
		}

		if !ignoreAge && isYoung(encl_, page) {
			l.Requeue(page)
			putOwner(page.Owner)
			continue
		}

		index := 0
		if pr != nil {
			index = int(pr.VAddr / backing.PageSize)
		}
		bck, err := r.Store.Get(encl_, index)
		if err != 0 {
			l.Requeue(page)
			putOwner(page.Owner)
			continue
		}

		kept = append(kept, &candidate_t{page: page, encl: encl_, pageRef: pr, index: index, bck: bck})
	}

	return kept
}

/// ownerEncl resolves the owning enclave for the two owner kinds reclaim
/// ever handles (plain enclave child pages and version-array pages); virt
/// owners never carry FReclaimable per spec.md §3, so they are rejected
/// defensively rather than handled.
func ownerEncl(o epage.Owner_t) (e *encl.SgxEncl_t, pr *encl.PageRef_t, ok bool) {
	switch o.Kind {
	case epage.OwnerEnclave:
		pr = o.Ref.(*encl.PageRef_t)
		return pr.Encl, pr, true
	case epage.OwnerVersionArray:
		return o.Ref.(*encl.SgxEncl_t), nil, true
	default:
		return nil, nil, false
	}
}

/// phase2 invalidates every PTE mapping each candidate page, across every
/// mm attached to its owning enclave, bounded to SemWeight concurrent
/// walks, then issues EBLOCK under the enclave lock — per spec.md §4.3
/// phase 2.
func (r *Reclaimer_t) phase2(candidates []*candidate_t) {
	sem := semaphore.NewWeighted(r.semWeight())
	var wg sync.WaitGroup
	ctx := context.Background()

	for _, c := range candidates {
		if c.encl.DeadOrOom() {
			continue
		}
		c.encl.WalkMms(func(mm encl.Mm_i) {
			wg.Add(1)
			go func(mm encl.Mm_i, page *epage.EpcPage_t) {
				defer wg.Done()
				if err := sem.Acquire(ctx, 1); err != nil {
					return
				}
				defer sem.Release(1)
				if !mm.TryGet() {
					return
				}
				defer mm.Put()
				mm.InvalidatePTE(page)
			}(mm, c.page)
		})
	}
	wg.Wait()

	for _, c := range candidates {
		c.encl.Lock()
		if !c.encl.DeadOrOom() {
			hw.Eblock(section.PageAddr(c.page))
		}
		c.encl.Unlock()
	}
}

/// phase3 attempts write-back for every candidate, handling the NOT_TRACKED
/// retry ladder of spec.md §4.3 phase 3 (ETRACK, then one EWB retry, then
/// an IPI broadcast to every resident CPU, then one final EWB retry).
/// Returns the count successfully written back and freed.
func (r *Reclaimer_t) phase3(l *lru.EpcLru_t, candidates []*candidate_t) int {
	written := 0
	for _, c := range candidates {
		if r.writeback(c) {
			written++
			continue
		}
		l.Requeue(c.page)
		putOwner(c.page.Owner)
	}
	return written
}

/// sliceAddr returns the address of b's backing array, or zero for an
/// empty/nil slice. EWB's operands are raw addresses on real silicon; the
/// default hw.Ewb stub ignores them, but the address is still computed so a
/// real arch-specific implementation can replace the stub without touching
/// this call site.
func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

/// writeback drives one candidate through the VA-slot/EWB retry ladder.
/// Returns true if the page was written back and returned to its section's
/// free list; false leaves the page intact and still owned, for the caller
/// to requeue.
func (r *Reclaimer_t) writeback(c *candidate_t) bool {
	va, slot, ok := c.encl.TakeVASlot()
	if !ok {
		fresh := section.AllocOne()
		if fresh == nil {
			fmt.Printf("reclaim: WARN: out of EPC for a fresh VA page, leaving page intact\n")
			return false
		}
		va = c.encl.AddVAPage(fresh)
		slot, ok = c.encl.TakeVASlot()
		if !ok {
			fmt.Printf("reclaim: WARN: fresh VA page reported full immediately, leaving page intact\n")
			return false
		}
	}

	info := hw.PageInfo_t{
		ContentsAddr: sliceAddr(c.bck.Contents),
		MetadataAddr: sliceAddr(c.bck.Metadata),
		MetadataOff:  c.bck.MetaOff,
	}
	epcAddr := section.PageAddr(c.page)

	status := hw.Ewb(info, epcAddr, slot)
	if status == hw.StatusNotTracked {
		if secs := c.encl.Secs(); secs != nil {
			hw.Etrack(section.PageAddr(secs))
		}
		status = hw.Ewb(info, epcAddr, slot)
	}
	if status == hw.StatusNotTracked {
		mask := c.encl.CPUMask()
		cpu.Broadcast(mask, nil)
		status = hw.Ewb(info, epcAddr, slot)
	}

	if status != hw.StatusSuccess {
		c.encl.ReleaseVASlot(va, slot)
		r.Store.Put(&c.bck, false)
		fmt.Printf("reclaim: WARN: EWB failed after retry ladder, leaving page intact\n")
		return false
	}

	r.Store.Put(&c.bck, true)

	c.page.VASlot = slot
	c.page.SetFlags(epage.FReclaimed)
	if c.pageRef != nil {
		c.pageRef.VAPage = va
		c.pageRef.Slot = slot
	}

	if c.pageRef != nil {
		n := c.encl.DecChild()
		if n == 0 && c.encl.DeadOrOom() {
			if secs := c.encl.TakeSecs(); secs != nil {
				section.Free(secs)
			}
		}
	}

	putOwner(c.page.Owner)
	section.ReturnReclaimed(c.page)
	return true
}
