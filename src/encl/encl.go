// Package encl implements SgxEncl_t, the external enclave collaborator
// spec.md §3/§6 describes. It is "external" to the core in the sense that
// enclave lifecycle, launch and user-facing device files are out of scope
// (spec.md §1), but the reclaimer, OOM handler and allocator all read and
// mutate these fields directly, so a concrete implementation lives here
// rather than behind a pure interface.
//
// Grounded on legacy/vm/as.go's Vm_t (an embedded mutex guarding pmap
// state, with an explicit Lockassert helper) for the enclave lock, and on
// legacy/accnt/accnt.go's atomic-counter style for the flags/refcount
// fields. The mm-list itself follows spec.md §9's design note: sleepable
// RCU is replaced with a generational snapshot plus a version counter the
// reader re-checks at the end of its walk.
package encl

import (
	"sync"
	"sync/atomic"

	"cpu"
	"epage"
)

/// Flag_t holds the bits of SgxEncl_t.flags (spec.md §3).
type Flag_t uint32

const (
	FlagCreated Flag_t = 1 << iota
	FlagInitialized
	FlagDead
	FlagOom
)

/// Mm_i abstracts one of an enclave's attached memory maps. Its methods
/// mirror the external collaborator interfaces of spec.md §6
/// (encl_find, encl_test_and_clear_young) plus the get/put and
/// address-space-lock primitives spec.md §5's lock-ordering section
/// assumes. Production implementations live in the out-of-scope
/// page-fault/mmap subsystem; this package only consumes the interface.
type Mm_i interface {
	/// TryGet acquires a non-zero reference to the mm ("get-unless-zero"),
	/// reporting false if it is already being torn down.
	TryGet() bool
	/// Put releases a reference acquired with TryGet.
	Put()
	/// RLock/RUnlock take and release the mm's address-space read lock.
	RLock()
	RUnlock()
	/// TestAndClearYoung atomically tests and clears the access ("young")
	/// bit on the PTE mapping page, if the mm has such a mapping.
	TestAndClearYoung(page *epage.EpcPage_t) bool
	/// InvalidatePTE removes any PTE mapping page from this mm, forcing a
	/// future access to fault.
	InvalidatePTE(page *epage.EpcPage_t)
	/// CPUID reports which CPU, if any, currently has this mm loaded.
	/// Returns false if the mm is not currently resident on any CPU.
	CPUID() (id int, resident bool)
}

/// PageRef_t is the owner reference stored in an EpcPage_t's Owner field
/// for pages with FEnclave set — "an enclave page descriptor" per spec.md
/// §3, modeled here as a back-pointer to the owning enclave plus the
/// enclave-relative address it backs.
type PageRef_t struct {
	Encl  *SgxEncl_t
	VAddr uintptr
	/// VAPage is the version-array page this page was last written out
	/// with, stashed here by the reclaimer on a successful write-back
	/// (spec.md §4.3 phase 3) so a future page fault can locate the
	/// replay-protection slot again.
	VAPage *VAPage_t
	/// Slot is the slot index within VAPage this page was bound to on
	/// that same write-back. EpcPage_t.VASlot only holds this for as
	/// long as the physical page stays in the reclaimer's hands — once
	/// section.ReturnReclaimed puts the physical page back on the free
	/// list for reuse by an unrelated page, VAPage/Slot here are the
	/// only surviving record of the binding a future page fault needs
	/// (spec.md §8's "reclaiming a page then faulting it back in" round
	/// trip law).
	Slot int
}

/// VAPage_t is one version-array page: an EPC page (FVersionArray set)
/// plus a 512-slot bitmap of which replay-protection nonce slots are in
/// use, per spec.md §3/§4.3.
type VAPage_t struct {
	Page      *epage.EpcPage_t
	used      [512]bool
	usedCount int
}

func (va *VAPage_t) full() bool { return va.usedCount >= len(va.used) }

func (va *VAPage_t) takeSlot() (int, bool) {
	for i, u := range va.used {
		if !u {
			va.used[i] = true
			va.usedCount++
			return i, true
		}
	}
	return 0, false
}

/// FreeSlot releases slot i back to the VA page's bitmap.
func (va *VAPage_t) FreeSlot(i int) {
	if va.used[i] {
		va.used[i] = false
		va.usedCount--
	}
}

/// SgxEncl_t is one enclave: a refcount, an atomic flags word, a list of
/// attached mms with version-counted snapshotting, the enclave lock
/// (protects SecsPage, the VA page list and ChildCount), a base VA/size,
/// and the final-release hook spec.md §6's encl_release names.
type SgxEncl_t struct {
	refcnt int32
	flags  uint32

	mmMu    sync.Mutex
	mms     []Mm_i
	version atomic.Uint64

	/// mu is "the enclave lock" of spec.md §5: sleepable, protects
	/// SecsPage, vaPages and ChildCount.
	mu         sync.Mutex
	SecsPage   *epage.EpcPage_t
	vaPages    []*VAPage_t
	ChildCount int

	BaseVA uintptr
	Size   uintptr

	/// OnFinalRelease is invoked synchronously when the last reference
	/// is dropped, mirroring spec.md §6's encl_release.
	OnFinalRelease func(*SgxEncl_t)
}

/// New returns a fresh enclave with an initial reference count of 1.
func New(baseVA, size uintptr) *SgxEncl_t {
	return &SgxEncl_t{refcnt: 1, BaseVA: baseVA, Size: size}
}

/// TryGet acquires a reference unless the enclave's refcount has already
/// reached zero (the "get-unless-zero" pattern spec.md §9 calls for when
/// upgrading a raw owner reference).
func (e *SgxEncl_t) TryGet() bool {
	for {
		old := atomic.LoadInt32(&e.refcnt)
		if old <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&e.refcnt, old, old+1) {
			return true
		}
	}
}

/// Put releases a reference, invoking OnFinalRelease synchronously when
/// the count reaches zero, per spec.md §6's encl_release contract.
func (e *SgxEncl_t) Put() {
	c := atomic.AddInt32(&e.refcnt, -1)
	if c < 0 {
		panic("encl: refcount underflow")
	}
	if c == 0 && e.OnFinalRelease != nil {
		e.OnFinalRelease(e)
	}
}

/// RefCount reports the current reference count (for tests/diagnostics).
func (e *SgxEncl_t) RefCount() int32 { return atomic.LoadInt32(&e.refcnt) }

/// SetFlag ORs f into the enclave's flags word.
func (e *SgxEncl_t) SetFlag(f Flag_t) {
	for {
		old := atomic.LoadUint32(&e.flags)
		if atomic.CompareAndSwapUint32(&e.flags, old, old|uint32(f)) {
			return
		}
	}
}

/// Flags returns the current flags word.
func (e *SgxEncl_t) Flags() Flag_t { return Flag_t(atomic.LoadUint32(&e.flags)) }

/// DeadOrOom reports whether the enclave is dead or under OOM teardown —
/// the aging short-circuit of spec.md §4.3/§9 consults this.
func (e *SgxEncl_t) DeadOrOom() bool {
	f := e.Flags()
	return f&(FlagDead|FlagOom) != 0
}

/// AttachMm appends mm to the enclave's mm list and publishes the new
/// version, paired (per spec.md §5) with the load-acquire performed by
/// WalkMms's version re-check.
func (e *SgxEncl_t) AttachMm(mm Mm_i) {
	e.mmMu.Lock()
	e.mms = append(e.mms, mm)
	e.mmMu.Unlock()
	e.version.Add(1)
}

/// WalkMms invokes visit once per currently-attached mm, and retries the
/// entire walk if the mm list's version changed while it ran — the
/// generational-snapshot substitute for sleepable RCU called for in
/// spec.md §9.
func (e *SgxEncl_t) WalkMms(visit func(Mm_i)) {
	for {
		before := e.version.Load()

		e.mmMu.Lock()
		snap := append([]Mm_i(nil), e.mms...)
		e.mmMu.Unlock()

		for _, mm := range snap {
			visit(mm)
		}

		if e.version.Load() == before {
			return
		}
	}
}

/// AddVAPage registers page as a new, empty version-array page for this
/// enclave, marking it FVersionArray and appending it to the VA page list.
func (e *SgxEncl_t) AddVAPage(page *epage.EpcPage_t) *VAPage_t {
	e.mu.Lock()
	defer e.mu.Unlock()
	page.SetFlags(epage.FVersionArray)
	va := &VAPage_t{Page: page}
	e.vaPages = append(e.vaPages, va)
	return va
}

/// TakeVASlot hands out a free VA slot, round-robin, moving any VA page
/// that becomes full to the tail of the list, per spec.md §4.3 phase 3.
/// Returns ok=false if every registered VA page is full; the caller
/// (the reclaimer) must AddVAPage a fresh one and retry.
func (e *SgxEncl_t) TakeVASlot() (va *VAPage_t, slot int, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, cand := range e.vaPages {
		s, got := cand.takeSlot()
		if !got {
			continue
		}
		if cand.full() {
			e.vaPages = append(append(e.vaPages[:i:i], e.vaPages[i+1:]...), cand)
		}
		return cand, s, true
	}
	return nil, 0, false
}

/// ReleaseVASlot frees slot on va, for the write-back error path (spec.md
/// §4.3 outcome 3: "warn, free the VA slot, leave the enclave page
/// intact").
func (e *SgxEncl_t) ReleaseVASlot(va *VAPage_t, slot int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	va.FreeSlot(slot)
}

/// IncChild increments the enclave's child page count under the enclave
/// lock.
func (e *SgxEncl_t) IncChild() {
	e.mu.Lock()
	e.ChildCount++
	e.mu.Unlock()
}

/// DecChild decrements the child count and returns the new value, under
/// the enclave lock, per spec.md §4.3's "decrement the enclave's child
/// count and if it reaches zero and the enclave is dead, also evict...
/// the root page".
func (e *SgxEncl_t) DecChild() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ChildCount--
	if e.ChildCount < 0 {
		panic("encl: child count underflow")
	}
	return e.ChildCount
}

/// Secs returns the enclave's root (SECS) page under the enclave lock, for
/// the reclaimer's ETRACK operand (spec.md §4.3 phase 3) — a plain field
/// read would race against DecChild's own SecsPage clear.
func (e *SgxEncl_t) Secs() *epage.EpcPage_t {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.SecsPage
}

/// TakeSecs clears and returns the enclave's root page under the enclave
/// lock, for the reclaimer's childless-dead-enclave root eviction (spec.md
/// §4.3 phase 3: "if it reaches zero and the enclave is dead, also evict
/// ... the root page").
func (e *SgxEncl_t) TakeSecs() *epage.EpcPage_t {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.SecsPage
	e.SecsPage = nil
	return s
}

/// Lock/Unlock expose the enclave lock directly for the reclaimer's
/// scoped per-page critical sections (spec.md §4.3: "acquired and
/// released multiple times per reclaim batch").
func (e *SgxEncl_t) Lock()   { e.mu.Lock() }
func (e *SgxEncl_t) Unlock() { e.mu.Unlock() }

/// CPUMask computes the set of CPUs currently holding any attached mm
/// resident, used by the reclaimer to build the IPI target mask after
/// ETRACK (spec.md §4.3 phase 3 / §5's ordering guarantee).
func (e *SgxEncl_t) CPUMask() cpu.Mask_t {
	var mask cpu.Mask_t
	e.WalkMms(func(mm Mm_i) {
		if id, resident := mm.CPUID(); resident {
			mask.Set(id)
		}
	})
	return mask
}
