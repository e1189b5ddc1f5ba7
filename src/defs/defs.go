// Package defs holds the error taxonomy shared by every EPC package.
package defs

/// Err_t is a kernel-style error code: zero is success, non-zero (always
/// negative, by convention) identifies a failure kind.
type Err_t int

// Error kinds from spec.md §7. Each is returned negative.
const (
	/// ENOMEM: allocator found no free page and nothing reclaimable.
	ENOMEM Err_t = -1 - iota
	/// EBUSY: allocator refused to reclaim, or the LRU found a page
	/// already owned by an in-flight reclaim.
	EBUSY
	/// ERESTART: a signal arrived during synchronous reclaim.
	ERESTART
	/// EBACKING: get_backing failed for a candidate page.
	EBACKING
	/// EHWFAIL: a hardware instruction (EREMOVE/EBLOCK/EWB) returned
	/// nonzero for a reason other than NOT_TRACKED.
	EHWFAIL
	/// ENOTTRACKED: ewb reported NOT_TRACKED; handled locally by the
	/// reclaimer's retry protocol, but named here since it is visible
	/// at package boundaries during tests.
	ENOTTRACKED
	/// ECHARGE: a cgroup charge hook rejected the allocation. The
	/// cgroup hook's own error is surfaced to the caller unchanged
	/// where possible; this is the fallback when it has none.
	ECHARGE
)

/// Ok reports whether e represents success.
func (e Err_t) Ok() bool { return e == 0 }

/// String names the error kind for logging.
func (e Err_t) String() string {
	switch e {
	case 0:
		return "ok"
	case ENOMEM:
		return "ENOMEM"
	case EBUSY:
		return "EBUSY"
	case ERESTART:
		return "ERESTART"
	case EBACKING:
		return "EBACKING"
	case EHWFAIL:
		return "EHWFAIL"
	case ENOTTRACKED:
		return "ENOTTRACKED"
	case ECHARGE:
		return "ECHARGE"
	default:
		return "EUNKNOWN"
	}
}
