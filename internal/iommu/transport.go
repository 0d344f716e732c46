package iommu

// Chain is one descriptor chain of a virtqueue: an out (guest-to-device)
// side and an in (device-to-guest) side. Fetching the chain, walking its
// scatter-gather list and notifying the guest after it is pushed back are
// all transport concerns the device never implements itself (spec §1);
// this is the narrow surface the request and event processors need from it.
type Chain interface {
	// ReadOut copies min(len(buf), OutLen()) bytes from the out side
	// starting at offset 0 and returns the number of bytes copied.
	ReadOut(buf []byte) int
	// WriteIn copies buf into the in side starting at offset 0. It
	// returns the number of bytes written; a short write means the
	// in buffer was smaller than buf.
	WriteIn(buf []byte) int
	OutLen() int
	InLen() int
}

// RequestQueue is the command (request) virtqueue.
type RequestQueue interface {
	// Pop returns the next available descriptor chain, or ok=false if
	// the queue is currently empty.
	Pop() (chain Chain, ok bool)
	// Push returns a processed chain to the guest, having written n
	// bytes into its in side.
	Push(chain Chain, n int)
	// Detach abandons a malformed chain without writing a response;
	// the transport is considered broken for the remainder of this
	// descriptor, per spec §4.E step 1.
	Detach(chain Chain)
	Notify()
}

// EventQueue is the event virtqueue used for asynchronous fault reports.
type EventQueue interface {
	// TryPop is non-blocking: ok=false means no in-buffer is currently
	// posted and the event must be dropped (spec §4.H).
	TryPop() (chain Chain, ok bool)
	Push(chain Chain, n int)
	Detach(chain Chain)
	Notify()
}
