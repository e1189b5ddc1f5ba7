// Package cgroup defines the cgroup charge and uncharge hooks
// (epc_cgroup_try_charge/_uncharge) and a default "no cgroup"
// implementation; it defines no isolate-pages or LRU-empty hook (see
// Charger). Grounded on
// legacy/limits/limits.go's Sysatomic_t.Taken/Given charge-and-refund
// pattern — the one place the teacher kernel already tracks a scarce,
// overcommittable resource against a configured limit.
package cgroup

import (
	"sync"
	"sync/atomic"

	"defs"
)

/// Charger is the policy hook the allocator consults. Policy itself lives
/// outside the core (spec.md §1's Non-goals); this package only defines
/// the contract plus a default that always succeeds. Reclaim scoping
/// itself goes through lru.For(group) directly (alloc.loop passes that
/// list straight to the reclaimer) rather than through this interface,
/// since that list already IS the group's own reclaimable scope; Charger
/// only ever needs to answer the charge/uncharge question.
type Charger interface {
	/// TryCharge reserves one page against group; returns the group's own
	/// error unchanged on rejection, per spec.md §7's ECHARGE row.
	TryCharge(group any) defs.Err_t
	/// Uncharge releases a page previously reserved with TryCharge.
	Uncharge(group any)
}

/// None is the default Charger: no cgroup accounting enabled, every
/// charge unconditionally succeeds.
var None Charger = noneCharger{}

type noneCharger struct{}

func (noneCharger) TryCharge(any) defs.Err_t { return 0 }
func (noneCharger) Uncharge(any)             {}

/// Limit_t is a counting Charger grounded directly on
/// limits.Sysatomic_t's Taken/Given pair: it tracks a fixed page budget
/// per group key and rejects a charge once the budget is exhausted.
type Limit_t struct {
	mu      sync.Mutex
	budgets map[any]*int64
	Max     int64
}

/// NewLimit returns a Limit_t charging at most max pages per group.
func NewLimit(max int64) *Limit_t {
	return &Limit_t{budgets: map[any]*int64{}, Max: max}
}

func (l *Limit_t) counter(group any) *int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.budgets[group]
	if !ok {
		c = new(int64)
		l.budgets[group] = c
	}
	return c
}

/// TryCharge mirrors limits.Sysatomic_t.Taken: optimistically increment
/// the group's charge, then back out if it went above Max.
func (l *Limit_t) TryCharge(group any) defs.Err_t {
	c := l.counter(group)
	if n := atomic.AddInt64(c, 1); n > l.Max {
		atomic.AddInt64(c, -1)
		return defs.ECHARGE
	}
	return 0
}

/// Uncharge mirrors limits.Sysatomic_t.Given.
func (l *Limit_t) Uncharge(group any) {
	c := l.counter(group)
	if atomic.AddInt64(c, -1) < 0 {
		panic("cgroup: uncharge underflow")
	}
}

/// Charged reports the current charge for group, for tests/diagnostics.
func (l *Limit_t) Charged(group any) int64 {
	return atomic.LoadInt64(l.counter(group))
}
