// Package epage defines EpcPage_t, the per-physical-page descriptor shared
// by every other EPC package, following the packed-descriptor shape of the
// teacher kernel's mem.Physpg_t (mem/mem.go) generalized to hold the
// reclaim/ownership metadata spec.md §3 requires instead of a bare refcount.
package epage

import "container/list"

/// Flag_t holds the bits packed into an EpcPage_t's desc field.
type Flag_t uint32

const (
	/// FEnclave marks a page owned by an enclave's regular page tree.
	FEnclave Flag_t = 1 << iota
	/// FVersionArray marks a page used as a version-array (VA) page.
	FVersionArray
	/// FReclaimable marks a page hardware permits evicting.
	FReclaimable
	/// FReclaimInProgress marks a page currently owned by an in-flight
	/// reclaim batch; implies FReclaimable and "on an isolation list,
	/// not on any LRU" (spec.md §3 invariant 2).
	FReclaimInProgress
	/// FReclaimed marks a page that has been written back to backing
	/// storage at least once; VASlot is meaningful only when this bit
	/// is set.
	FReclaimed
)

/// Has reports whether all bits in want are set in f.
func (f Flag_t) Has(want Flag_t) bool { return f&want == want }

/// OwnerKind discriminates EpcPage_t.Owner's variant, per the sum-type
/// design called for in spec.md §9 ("Polymorphic page owner").
type OwnerKind int

const (
	OwnerNone OwnerKind = iota
	OwnerEnclave
	OwnerVersionArray
	OwnerVirt
)

/// Owner_t is a tagged reference to whatever owns an EpcPage_t. Ref holds
// the owning-package's own concrete reference type (an *encl.PageRef_t, an
// *encl.SgxEncl_t, or a virt.Handle) — stored as any to avoid a dependency
// cycle between epage and its owning packages (encl imports epage, not the
// reverse). Callers type-assert Ref after checking Kind.
type Owner_t struct {
	Kind OwnerKind
	Ref  any
}

/// ListID names the list an EpcPage_t currently belongs to. Every page is
/// on exactly one of these at all times (spec.md §3 invariant 1).
type ListID int

const (
	ListNone ListID = iota
	ListSectionFree
	ListSectionUnsanitized
	ListLruReclaimable
	ListLruUnreclaimable
	ListIsolation
)

/// EpcPage_t is the per-4KiB-page descriptor. Field mutation discipline
// follows spec.md §5's lock ordering: callers must hold the relevant
// section/LRU/enclave lock before touching desc, Owner, or list-membership
// fields; EpcPage_t itself holds no lock of its own, matching the teacher
// kernel's convention of protecting plain structs with an external,
// explicitly-ordered lock rather than a self-contained one.
type EpcPage_t struct {
	/// SectionIdx is the owning section's index into the global section
	/// array — a page's identity is (SectionIdx, Frame).
	SectionIdx int
	/// Frame is the physical frame number within the section.
	Frame uint64
	/// desc holds the flag bits; the VA slot offset lives in VASlot.
	desc Flag_t
	/// VASlot is the version-array slot offset this page was last
	/// written out with. Valid only when desc has FReclaimed set.
	VASlot int
	/// Owner is the tagged owner reference (spec.md §3).
	Owner Owner_t
	/// CgroupRef back-points to the charged cgroup, when cgroup
	/// accounting is enabled; nil otherwise.
	CgroupRef any

	list ListID
	elem *list.Element
}

/// Flags returns the current flag bits.
func (p *EpcPage_t) Flags() Flag_t { return p.desc }

/// SetFlags ORs extra into the descriptor.
func (p *EpcPage_t) SetFlags(extra Flag_t) { p.desc |= extra }

/// ClearFlags clears the given bits from the descriptor.
func (p *EpcPage_t) ClearFlags(bits Flag_t) { p.desc &^= bits }

/// List reports which list p currently belongs to.
func (p *EpcPage_t) List() ListID { return p.list }

/// Elem returns the *list.Element p is linked with, or nil if unlinked.
func (p *EpcPage_t) Elem() *list.Element { return p.elem }

/// SetLink records that p is now linked as elem on list id. Called by the
/// owning list's manager (section/lru) immediately after PushBack/insert.
func (p *EpcPage_t) SetLink(id ListID, elem *list.Element) {
	p.list = id
	p.elem = elem
}

/// ClearLink records that p has been unlinked from every list. Called by
/// the owning list's manager immediately after Remove.
func (p *EpcPage_t) ClearLink() {
	p.list = ListNone
	p.elem = nil
}
