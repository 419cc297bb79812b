package mm

import (
	"sync"

	"github.com/ehrlich-b/go-pvkernel/internal/constants"
)

// Bounce pages for I/O whose caller buffer is not page shaped. Pages are
// page aligned heap slices, pooled through the *[]byte pattern to avoid the
// interface allocation of storing a slice in sync.Pool.
var pagePool = sync.Pool{
	New: func() any {
		b := AlignedSlice(constants.PageSize, constants.PageSize)
		return &b
	},
}

// GetPage returns a page aligned buffer of PageSize bytes. Contents are
// undefined. Callers must return it with PutPage.
func GetPage() []byte {
	return *pagePool.Get().(*[]byte)
}

// PutPage returns a buffer obtained from GetPage.
func PutPage(buf []byte) {
	if cap(buf) != constants.PageSize {
		// Not one of ours
		return
	}
	buf = buf[:constants.PageSize]
	pagePool.Put(&buf)
}

// GetPages returns n pooled pages.
func GetPages(n int) [][]byte {
	pages := make([][]byte, n)
	for i := range pages {
		pages[i] = GetPage()
	}
	return pages
}

// PutPages returns every page in pages to the pool.
func PutPages(pages [][]byte) {
	for _, p := range pages {
		PutPage(p)
	}
}
