package main

import "github.com/e2b-dev/infra/packages/viommu/internal/iommu"

// memChain is an in-memory descriptor chain: a fixed out buffer and a
// fixed-capacity in buffer, standing in for a virtqueue descriptor chain
// for local smoke-testing.
type memChain struct {
	out []byte
	in  []byte
}

func (c *memChain) ReadOut(buf []byte) int { return copy(buf, c.out) }
func (c *memChain) WriteIn(buf []byte) int { return copy(c.in, buf) }
func (c *memChain) OutLen() int            { return len(c.out) }
func (c *memChain) InLen() int             { return len(c.in) }

// memRequestQueue is a pre-populated request queue: Pop drains a fixed
// slice of chains rather than blocking on a real ring.
type memRequestQueue struct {
	pending []*memChain
}

func newMemRequestQueue() *memRequestQueue {
	return &memRequestQueue{}
}

func (q *memRequestQueue) push(out []byte, inCap int) {
	q.pending = append(q.pending, &memChain{out: out, in: make([]byte, inCap)})
}

func (q *memRequestQueue) Pop() (iommu.Chain, bool) {
	if len(q.pending) == 0 {
		return nil, false
	}
	c := q.pending[0]
	q.pending = q.pending[1:]
	return c, true
}

func (q *memRequestQueue) Push(iommu.Chain, int)  {}
func (q *memRequestQueue) Detach(iommu.Chain)     {}
func (q *memRequestQueue) Notify()                {}

// memEventQueue never has a buffer posted; faults are always logged and
// dropped, which is a valid and ordinary runtime state (spec §4.H).
type memEventQueue struct{}

func newMemEventQueue() *memEventQueue { return &memEventQueue{} }

func (q *memEventQueue) TryPop() (iommu.Chain, bool) { return nil, false }
func (q *memEventQueue) Push(iommu.Chain, int)       {}
func (q *memEventQueue) Detach(iommu.Chain)          {}
func (q *memEventQueue) Notify()                     {}
