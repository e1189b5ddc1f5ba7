// Package section implements the EPC section pool: a per-section
// spin-locked free list plus an unsanitized list, following the
// free-list-under-lock idiom of the teacher kernel's
// mem.Physmem_t/_phys_new/_phys_insert (legacy/mem/mem.go), generalized
// from a flat physical-page allocator to spec.md §3/§4.1's per-section EPC
// pool.
package section

import (
	"container/list"
	"fmt"
	"sync"

	"golang.org/x/text/message"

	"epage"
	"hw"
	"util"
)

/// MaxSections bounds the process-wide section array (spec.md §6).
const MaxSections = 8

// pageSize matches the hardware's 4KiB EPC page granularity.
const pageSize = 4096

/// EpcSection_t is one hardware-reported contiguous range of EPC. Identity
/// is its index into the global Sections array (spec.md §3).
type EpcSection_t struct {
	mu sync.Mutex

	/// Idx is this section's index into Sections.
	Idx int
	/// PhysBase is the section's physical base address.
	PhysBase uintptr
	/// Vaddr is the write-back-cached mapped virtual pointer for the
	/// section, populated at section setup time.
	Vaddr uintptr
	/// NumPages is the total page count the section was reported with.
	NumPages int

	free        list.List
	unsanitized list.List
	freeCount   int
}

/// Sections is the process-wide array of EPC sections (spec.md §6).
var Sections []*EpcSection_t

/// Setup performs one-shot, boot-time section bring-up (spec.md §4.1):
/// allocates one EpcPage_t per 4KiB slot and links every descriptor onto
/// the section's unsanitized list. The free count is initialized to the
/// full page count even though no page is actually free yet — sanitization
/// graduates pages one at a time (spec.md §9, first Open Question); this
/// is documented as a tolerable, transient discrepancy.
func Setup(physBase, vaddr uintptr, numPages int) (*EpcSection_t, error) {
	if len(Sections) >= MaxSections {
		return nil, fmt.Errorf("section: MaxSections (%d) exceeded", MaxSections)
	}
	s := &EpcSection_t{
		Idx: len(Sections),
		// CPUID.(EAX=12H).EBX/ECX reports a section's physical base with
		// page granularity on real silicon, but round down defensively
		// rather than trust an arbitrary caller-supplied value.
		PhysBase: util.Rounddown(physBase, pageSize),
		Vaddr:    vaddr,
		NumPages: numPages,
	}
	for i := 0; i < numPages; i++ {
		p := &epage.EpcPage_t{
			SectionIdx: s.Idx,
			Frame:      uint64(i),
		}
		elem := s.unsanitized.PushBack(p)
		p.SetLink(epage.ListSectionUnsanitized, elem)
	}
	s.freeCount = numPages
	Sections = append(Sections, s)
	return s, nil
}

/// ResetForTest clears the global section array; only meant for tests that
/// need a clean slate between scenarios.
func ResetForTest() {
	Sections = nil
}

/// FreeCount returns the section's current free-page count under lock.
func (s *EpcSection_t) FreeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeCount
}

/// PopUnsanitized removes and returns the head of the unsanitized list, or
/// nil if it is empty. Used exclusively by the boot sanitizer.
func (s *EpcSection_t) PopUnsanitized() *epage.EpcPage_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.unsanitized.Front()
	if e == nil {
		return nil
	}
	s.unsanitized.Remove(e)
	p := e.Value.(*epage.EpcPage_t)
	p.ClearLink()
	return p
}

/// PushUnsanitized appends p back onto the unsanitized (deferred/SECS)
/// list; used by the sanitizer's second pass bookkeeping.
func (s *EpcSection_t) PushUnsanitized(p *epage.EpcPage_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem := s.unsanitized.PushBack(p)
	p.SetLink(epage.ListSectionUnsanitized, elem)
}

/// PushFree pushes p onto the free list and bumps the free count. Called
/// by the sanitizer once a page has graduated and by Free after a
/// successful EREMOVE.
func (s *EpcSection_t) PushFree(p *epage.EpcPage_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem := s.free.PushBack(p)
	p.SetLink(epage.ListSectionFree, elem)
	s.freeCount++
}

/// GraduateSanitized links a freshly EREMOVE'd page onto the free list
/// without incrementing freeCount — Setup already counted every page in
/// the section's initial free count (spec.md §9's documented transient
/// inaccuracy: freeCount over-reports during the boot sanitization window
/// and becomes exactly correct once every page has graduated, since no
/// further increment happens here). Used exclusively by the boot
/// sanitizer; everywhere else pushes through PushFree, which does count.
func (s *EpcSection_t) GraduateSanitized(p *epage.EpcPage_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem := s.free.PushBack(p)
	p.SetLink(epage.ListSectionFree, elem)
}

/// popFree pops the head of the free list under lock. Returns nil if
/// empty.
func (s *EpcSection_t) popFree() *epage.EpcPage_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.free.Front()
	if e == nil {
		return nil
	}
	s.free.Remove(e)
	p := e.Value.(*epage.EpcPage_t)
	p.ClearLink()
	s.freeCount--
	return p
}

/// AllocOne iterates Sections in index order and pops the first free page
/// found (spec.md §4.1's alloc_one). The returned page's Owner is left
/// zero-valued; the caller must set it. Returns nil if every section is
/// empty.
func AllocOne() *epage.EpcPage_t {
	for _, s := range Sections {
		if p := s.popFree(); p != nil {
			return p
		}
	}
	return nil
}

/// Free returns a page to pristine state and pushes it back onto its
/// section's free list (spec.md §4.1). Callers must have already ensured
/// no reclaim flags are set; Free only asserts and warns, it does not
/// correct the caller's mistake, matching the teacher kernel's
/// warn-don't-fix posture for internal bugs (e.g. mem.Refup's "XXXPANIC"
/// comments, toned down here to a warning since this is a library, not a
/// kernel that can afford to panic).
func Free(p *epage.EpcPage_t) {
	if p.Flags().Has(epage.FReclaimInProgress) || p.Flags().Has(epage.FReclaimable) {
		fmt.Printf("section: WARN: freeing page with reclaim flags still set (section=%d frame=%d)\n",
			p.SectionIdx, p.Frame)
	}

	status := hw.Eremove(sectionPageAddr(p))
	if status != hw.StatusSuccess {
		// The page is compromised; leaking it is the only safe
		// option (spec.md §7, HW_BLOCK/TRACK/WB_FAIL row).
		fmt.Printf("section: WARN: EREMOVE failed for section=%d frame=%d, leaking page\n",
			p.SectionIdx, p.Frame)
		return
	}

	p.Owner = epage.Owner_t{}
	p.ClearFlags(epage.FEnclave | epage.FVersionArray | epage.FReclaimable | epage.FReclaimInProgress | epage.FReclaimed)
	Sections[p.SectionIdx].PushFree(p)
}

func sectionPageAddr(p *epage.EpcPage_t) uintptr {
	return Sections[p.SectionIdx].PhysBase + uintptr(p.Frame)*pageSize
}

/// PageAddr returns the physical EPC address of p, for callers (the
/// reclaimer) that need to pass it as a hardware instruction operand.
func PageAddr(p *epage.EpcPage_t) uintptr {
	return sectionPageAddr(p)
}

/// ReturnReclaimed returns a page that the reclaimer has just written back
/// directly to its section's free list, per spec.md §4.3 ("return the
/// now-clean page to its section's free list"). Unlike Free, this performs
/// no EREMOVE: a successful EWB already leaves the EPC slot empty, so
/// re-running EREMOVE would be redundant hardware work, not a correctness
/// requirement. It does, deliberately, clear FReclaimInProgress without
/// warning — this is reclaim's normal, successful exit path, not the
/// bug-signal Free guards against.
func ReturnReclaimed(p *epage.EpcPage_t) {
	p.Owner = epage.Owner_t{}
	p.ClearFlags(epage.FEnclave | epage.FVersionArray | epage.FReclaimable | epage.FReclaimInProgress | epage.FReclaimed)
	Sections[p.SectionIdx].PushFree(p)
}

/// TotalFree sums FreeCount across every section, for the daemon's
/// watermark check (spec.md §4.4).
func TotalFree() int {
	total := 0
	for _, s := range Sections {
		total += s.FreeCount()
	}
	return total
}

/// DumpStats formats total/free/reserved page counts across every section
/// with thousands separators, the supplemented stats reporter described in
/// SPEC_FULL.md's DOMAIN STACK section. Not on any hot path.
func DumpStats() string {
	p := message.NewPrinter(message.MatchLanguage("en"))
	var total, free int
	for _, s := range Sections {
		total += s.NumPages
		free += s.FreeCount()
	}
	return p.Sprintf("epc: %d/%d pages free across %d section(s)", free, total, len(Sections))
}
