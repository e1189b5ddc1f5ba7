// Package virt defines the virt_epc hooks spec.md §6 names for pages
// owned by the (out of scope, per spec.md §1) virtualization backend —
// pages whose EpcPage_t has neither FEnclave nor FVersionArray set.
package virt

/// Handle is the opaque virtualized-EPC reference stored in an
/// EpcPage_t's Owner field when Kind is epage.OwnerVirt.
type Handle any

/// Hooks is the virt_epc_{get_ref,oom} contract. A nil Hooks means no
/// virtualization backend is registered; callers must check for nil
/// before dispatching to a virt-owned page.
type Hooks interface {
	/// GetRef implements the "get-unless-zero" upgrade for a virt
	/// handle, mirroring virt_epc_get_ref.
	GetRef(h Handle) bool
	/// OOM asks the virtualization backend to reclaim h under memory
	/// pressure, mirroring virt_epc_oom. Returns whether it found and
	/// reclaimed something.
	OOM(h Handle) bool
}

/// Registered is the process-wide virtualization backend, or nil if none
/// is attached (spec.md §1 treats virtualization as an out-of-scope
/// collaborator with only a named interface).
var Registered Hooks
