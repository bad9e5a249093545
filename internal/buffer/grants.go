package buffer

import "sync"

// GrantMapper resolves a request's guest grant references into the
// actual backing pages a real hypercall layer would map read/write
// into this process — spec.md §1's "scatter/gather buffer assembly
// from guest-granted pages". The wire protocol to the hypervisor's
// grant table is explicitly out of scope (spec.md §1); GrantMapper is
// the seam a real deployment plugs a genuine grant-mapping client
// into, the same role store.Tree plays for the configuration store and
// vusb.HostDevice plays for the host USB stack.
//
// MapGrant must return a page-sized, directly writable slice: the
// dispatch worker writes a host adapter's IN results straight into it,
// and reads an OUT transfer's payload straight out of it, with no
// further copy. UnmapGrant is called exactly once per successful
// MapGrant, when the request it backed completes or is cancelled.
type GrantMapper interface {
	MapGrant(ref uint32) ([]byte, error)
	UnmapGrant(ref uint32, page []byte)
}

// MemGrantMap is an in-process GrantMapper backed by a map of
// PageSize-sized buffers keyed by grant reference, the grant-table
// analogue of store.MemTree: it stands in for a real grant-mapping
// hypercall in tests and in environments where guest memory is reached
// some other way, lazily allocating one backing page per reference the
// first time it is mapped and keeping it alive for the life of the map
// so repeated maps of the same ref observe the same bytes.
type MemGrantMap struct {
	mu    sync.Mutex
	pages map[uint32][]byte
}

// NewMemGrantMap creates an empty MemGrantMap.
func NewMemGrantMap() *MemGrantMap {
	return &MemGrantMap{pages: make(map[uint32][]byte)}
}

// MapGrant returns the backing page for ref, allocating a fresh
// zeroed page the first time ref is seen.
func (m *MemGrantMap) MapGrant(ref uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[ref]
	if !ok {
		page = make([]byte, PageSize)
		m.pages[ref] = page
	}
	return page, nil
}

// UnmapGrant is a no-op: MemGrantMap keeps every backing page alive for
// the lifetime of the map so a test can inspect what was written to it
// after the request completes.
func (m *MemGrantMap) UnmapGrant(ref uint32, page []byte) {}

// Page returns the current backing page for ref without mapping it,
// for tests that need to seed guest data before submitting a request.
// It allocates the page if this is the first reference to ref, exactly
// as MapGrant would.
func (m *MemGrantMap) Page(ref uint32) []byte {
	page, _ := m.MapGrant(ref)
	return page
}
