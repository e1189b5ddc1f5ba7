// Package hw is the mockable surface over the four privileged hardware
// instructions spec.md §6 requires (EREMOVE, EBLOCK, ETRACK, EWB). Each is
// exposed as a package-level function variable, following the exact
// indirection the teacher's sibling kernel gopher-os uses for its own
// privileged operations (kernel/mem/pmm/allocator/bitmap_allocator.go's
// `reserveRegionFn = vmm.EarlyReserveRegion` / `mapFn` vars) so tests can
// substitute fakes without a mocking framework. Production builds targeting
// real silicon replace these vars during arch-specific init; this package
// ships safe defaults that simulate an idle, always-succeeding CPU so the
// rest of the module is exercisable without hardware.
package hw

/// Status is the result code returned by a hardware instruction.
type Status int

const (
	/// StatusSuccess: the instruction completed.
	StatusSuccess Status = iota
	/// StatusFailure: the instruction reported a nonzero, non-retryable
	/// error (e.g. EREMOVE on a root page with live children).
	StatusFailure
	/// StatusNotTracked: EWB-specific — a CPU may still be executing
	/// inside the enclave with a stale epoch; see spec.md §4.3 phase 3.
	StatusNotTracked
)

/// PageInfo_t bundles the operands EWB needs beyond the EPC address and VA
/// slot: the backing-page pair the evicted contents are written to.
type PageInfo_t struct {
	ContentsAddr uintptr
	MetadataAddr uintptr
	MetadataOff  int
}

var (
	/// Eremove returns an EPC page to pristine state. Fails for root
	/// pages that still have live children.
	Eremove = func(epcAddr uintptr) Status { return StatusSuccess }

	/// Eblock marks an EPC page as blocked: no new enclave entry may
	/// load it afterward.
	Eblock = func(epcAddr uintptr) Status { return StatusSuccess }

	/// Etrack advances the owning enclave's tracking epoch, given the
	/// address of its root (SECS) page.
	Etrack = func(rootAddr uintptr) Status { return StatusSuccess }

	/// Ewb writes a blocked EPC page out to backing storage with
	/// integrity metadata, binding it to the given VA slot. Returns
	/// StatusNotTracked if the epoch has not yet quiesced.
	Ewb = func(info PageInfo_t, epcAddr uintptr, vaSlot int) Status { return StatusSuccess }
)
