package aol

// PageSize is the capacity of the in-memory page every segment writes through.
const PageSize = 4 * 1024 // 4KB

// page is a fixed arena: bytes in [flushed, alloc) are buffered but not yet
// written to the segment file.
type page struct {
	alloc   int
	flushed int
	buf     [PageSize]byte
}

func (p *page) remaining() int {
	return PageSize - p.alloc
}

func (p *page) full() bool {
	return p.alloc >= PageSize
}

func (p *page) reset() {
	for i := range p.buf {
		p.buf[i] = 0
	}

	p.alloc = 0
	p.flushed = 0
}

func (p *page) unflushed() int {
	return p.alloc - p.flushed
}

func (p *page) data() []byte {
	return p.buf[p.flushed:p.alloc]
}
