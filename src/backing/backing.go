// Package backing defines the Backing_t triple and the get_backing/
// put_backing contract spec.md §3/§6 delegates to an external shmem-backed
// store. Out of scope per spec.md §1 ("Backing-store I/O: spec only the
// get_backing/put_backing contract"), so this package ships the contract
// plus a reference in-memory Store for tests, grounded on
// legacy/circbuf/circbuf.go's lazily-allocated, page-backed buffer shape
// (Cb_ensure allocates a backing page on first use; Set/Bufsz expose it).
package backing

import (
	"sync"

	"defs"
)

/// PageSize matches the hardware's 4KiB EPC page size.
const PageSize = 4096

/// Backing_t is the opaque {contents, metadata, metadata offset} triple
/// spec.md §3 describes. Contents and Metadata are page-sized buffers in
/// the external shmem-backed store; MetaOff is the byte offset within
/// Metadata reserved for this page's integrity record.
type Backing_t struct {
	Contents []byte
	Metadata []byte
	MetaOff  int
}

/// Store is the get_backing/put_backing contract (spec.md §6:
/// encl_get_backing, encl_put_backing). EnclKey identifies the owning
/// enclave opaquely — callers pass whatever key their encl.SgxEncl_t
/// collaborator uses to index its backing store.
type Store interface {
	/// Get obtains the backing pages for page index within the enclave
	/// identified by enclKey.
	Get(enclKey any, index int) (Backing_t, defs.Err_t)
	/// Put releases a backing pair obtained from Get. dirty indicates
	/// whether the pages were actually written (always true on a
	/// successful write-back; false on an aborted reclaim).
	Put(b *Backing_t, dirty bool)
}

/// MemStore is a reference Store backed by plain Go memory, standing in
/// for the out-of-scope shmem-file implementation. Safe for concurrent
/// use.
type MemStore struct {
	mu    sync.Mutex
	pages map[any]map[int]*memSlot
	/// FailNext, when > 0, makes the next N calls to Get fail with
	/// EBACKING — used by tests exercising spec.md §7's BACKING_FAIL
	/// path.
	FailNext int
}

type memSlot struct {
	contents []byte
	metadata []byte
}

/// NewMemStore returns an empty, ready-to-use MemStore.
func NewMemStore() *MemStore {
	return &MemStore{pages: map[any]map[int]*memSlot{}}
}

/// Get implements Store.
func (s *MemStore) Get(enclKey any, index int) (Backing_t, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailNext > 0 {
		s.FailNext--
		return Backing_t{}, defs.EBACKING
	}

	byIdx, ok := s.pages[enclKey]
	if !ok {
		byIdx = map[int]*memSlot{}
		s.pages[enclKey] = byIdx
	}
	slot, ok := byIdx[index]
	if !ok {
		slot = &memSlot{
			contents: make([]byte, PageSize),
			metadata: make([]byte, PageSize),
		}
		byIdx[index] = slot
	}
	return Backing_t{Contents: slot.contents, Metadata: slot.metadata, MetaOff: 0}, 0
}

/// Put implements Store. The in-memory store needs no cleanup on release;
/// dirty is accepted for interface conformance and test assertions.
func (s *MemStore) Put(b *Backing_t, dirty bool) {}
