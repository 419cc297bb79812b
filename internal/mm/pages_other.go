//go:build !unix

package mm

// Pages falls back to page-aligned heap memory where mmap is unavailable.
type Pages struct {
	Heap
}

func NewPages() *Pages { return &Pages{} }

func (p *Pages) Allocate(size, align int) ([]byte, error) {
	if err := checkArgs("allocate", size, align); err != nil {
		return nil, err
	}
	return p.Heap.Allocate(roundUp(size, pageAlign), pageAlign)
}
