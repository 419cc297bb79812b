// Package gnttab implements a domain's grant table: the list of pages the
// domain has offered to another domain, addressed by grant reference.
package gnttab

import (
	"github.com/ehrlich-b/go-pvkernel/internal/constants"
	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
	"github.com/ehrlich-b/go-pvkernel/internal/spinlock"
)

// Ref is a grant reference. References below NumReserved are never handed
// out.
type Ref uint32

const (
	NumReserved = 8
	// DefaultSize is the number of entries in a table created with New(0).
	DefaultSize = 512
)

type entry struct {
	inUse    bool
	domid    constants.DomID
	page     []byte
	readonly bool
	mapped   int
}

// Table is a grant table. The granting domain calls GrantAccess and
// EndAccess; the hypervisor calls Map and Unmap on behalf of the peer.
type Table struct {
	lock    spinlock.Spinlock
	entries []entry
	free    []Ref
	active  int
}

// New creates a table with size entries, including the reserved ones.
func New(size int) *Table {
	if size <= NumReserved {
		size = DefaultSize
	}
	t := &Table{entries: make([]entry, size)}
	t.lock.Init("gnttab")
	for r := size - 1; r >= NumReserved; r-- {
		t.free = append(t.free, Ref(r))
	}
	return t
}

// GrantAccess offers page to domid and returns the reference the peer uses
// to map it.
func (t *Table) GrantAccess(domid constants.DomID, page []byte, readonly bool) (Ref, error) {
	if len(page) == 0 || len(page) > constants.PageSize {
		return 0, kerr.New("grant_access", kerr.CodeInvalidParameters, "grant must cover at most one page")
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if len(t.free) == 0 {
		return 0, kerr.New("grant_access", kerr.CodeInsufficientMemory, "grant table exhausted")
	}
	ref := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	t.entries[ref] = entry{inUse: true, domid: domid, page: page, readonly: readonly}
	t.active++
	return ref, nil
}

// EndAccess revokes ref. It fails, leaving the grant in place, while the
// peer still has it mapped.
func (t *Table) EndAccess(ref Ref) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	if !t.valid(ref) {
		return false
	}
	e := &t.entries[ref]
	if e.mapped > 0 {
		return false
	}
	*e = entry{}
	t.free = append(t.free, ref)
	t.active--
	return true
}

func (t *Table) valid(ref Ref) bool {
	return int(ref) >= NumReserved && int(ref) < len(t.entries) && t.entries[ref].inUse
}

// Map returns the page behind ref if it was granted to mapper. write
// requests a writable mapping.
func (t *Table) Map(ref Ref, mapper constants.DomID, write bool) ([]byte, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if !t.valid(ref) {
		return nil, kerr.New("map_grant", kerr.CodeInvalidParameters, "bad grant reference")
	}
	e := &t.entries[ref]
	if e.domid != mapper {
		return nil, kerr.New("map_grant", kerr.CodePermissionDenied, "grant belongs to another domain")
	}
	if write && e.readonly {
		return nil, kerr.New("map_grant", kerr.CodePermissionDenied, "grant is read-only")
	}
	e.mapped++
	return e.page, nil
}

// Unmap drops one mapping of ref.
func (t *Table) Unmap(ref Ref) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.valid(ref) && t.entries[ref].mapped > 0 {
		t.entries[ref].mapped--
	}
}

// Active returns the number of live grants.
func (t *Table) Active() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.active
}
