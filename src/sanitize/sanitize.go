// Package sanitize implements the boot-time two-pass EPC sanitizer of
// spec.md §4.5. Firmware hands every EPC page over in an indeterminate
// state (possibly still holding a previous boot's enclave contents), so
// every page must be EREMOVE'd before it is trusted onto a free list.
// Grounded on legacy/mem/mem.go's Phys_init boot bring-up loop, generalized
// from "link every page once" to the two-pass protocol real SGX hardware
// requires: a root (SECS) page's EREMOVE fails while any of its children
// are still un-sanitized, so the first pass clears ordinary pages and
// requeues stragglers for a second pass once their siblings are gone.
// golang.org/x/sync/errgroup runs one goroutine per section per pass,
// since sections are physically independent and sanitizing one never
// depends on another.
package sanitize

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"epage"
	"hw"
	"section"
)

/// Result reports how many pages each pass sanitized and how many remained
/// stuck after the second pass (a hardware fault, not expected in
/// practice).
type Result struct {
	Pass1Count int
	Pass2Count int
	StuckCount int
}

/// Run drives both sanitization passes across every registered section
/// concurrently and returns the aggregate result. Must run before any
/// allocation is attempted (spec.md §4.1 assumes every free-list page is
/// already pristine).
func Run() Result {
	pass1 := sanitizePass()
	pass2 := sanitizePass()

	stuck := 0
	for _, s := range section.Sections {
		for s.PopUnsanitized() != nil {
			stuck++
		}
	}
	if stuck > 0 {
		fmt.Printf("sanitize: WARN: %d pages remained un-sanitized after two passes\n", stuck)
	}

	return Result{Pass1Count: pass1, Pass2Count: pass2, StuckCount: stuck}
}

/// sanitizePass runs one EREMOVE pass over every section's unsanitized
/// list concurrently, draining it as found at call time. Pages whose
/// EREMOVE fails are requeued onto the unsanitized list for a later pass;
/// callers run a second pass to pick those up. Returns the number of pages
/// pushed onto the free list during this pass.
func sanitizePass() int {
	var g errgroup.Group
	counts := make([]int, len(section.Sections))

	for i, s := range section.Sections {
		i, s := i, s
		g.Go(func() error {
			counts[i] = sanitizeSection(s)
			return nil
		})
	}
	g.Wait()

	total := 0
	for _, c := range counts {
		total += c
	}
	return total
}

func sanitizeSection(s *section.EpcSection_t) int {
	var pending []*epage.EpcPage_t
	for {
		p := s.PopUnsanitized()
		if p == nil {
			break
		}
		pending = append(pending, p)
	}

	freed := 0
	for _, p := range pending {
		if hw.Eremove(section.PageAddr(p)) == hw.StatusSuccess {
			s.GraduateSanitized(p)
			freed++
		} else {
			s.PushUnsanitized(p)
		}
	}
	return freed
}
