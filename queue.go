package virtio

import "fmt"

// Buffer is one fragment of a descriptor chain, resolved to host memory.
// Data aliases guest RAM and is only valid for the request that produced it.
type Buffer struct {
	Addr uint64
	Data []byte
}

// Chain is one walked descriptor chain. Readable buffers are device
// read-only (the guest filled them); Writable buffers are for the device to
// fill. Both slices preserve chain traversal order, which backends rely on
// to match the guest's intended buffer layout.
type Chain struct {
	Head     uint16
	Readable []Buffer
	Writable []Buffer
}

// TotalReadable returns the byte count across the chain's readable buffers.
func (c Chain) TotalReadable() int {
	var n int
	for _, b := range c.Readable {
		n += len(b.Data)
	}
	return n
}

// TotalWritable returns the byte count across the chain's writable buffers.
func (c Chain) TotalWritable() int {
	var n int
	for _, b := range c.Writable {
		n += len(b.Data)
	}
	return n
}

// QueueConfig carries the negotiated properties a queue needs before its
// rings can be attached.
type QueueConfig struct {
	// MaxSize caps the queue size the driver may select.
	MaxSize uint16
	// Legacy selects guest-native field order instead of little-endian.
	Legacy bool
	// EventIdx enables the used_event/avail_event suppression scheme.
	EventIdx bool
}

// Queue is one virtqueue: a descriptor table plus an available/used ring
// pair shared with the guest. The guest produces the available ring and
// consumes the used ring; the host does the reverse. Neither side locks, so
// a Queue must only be driven by one host goroutine at a time.
type Queue struct {
	mem   GuestMemory
	order ByteOrder

	maxSize  uint16
	size     uint16
	eventIdx bool
	ready    bool

	view ringView

	// lastAvail is the host cursor into the available ring.
	lastAvail uint16
	// lastUsedSignalled records the used index last reported to the guest.
	// It only moves forward, and only when ShouldSignal decides to signal.
	lastUsedSignalled uint16
}

// NewQueue returns a queue bound to the given guest memory. The queue is not
// usable until SetSize and Attach have been called.
func NewQueue(mem GuestMemory, cfg QueueConfig) *Queue {
	order := Modern
	if cfg.Legacy {
		order = Legacy
	}
	return &Queue{
		mem:      mem,
		order:    order,
		maxSize:  cfg.MaxSize,
		eventIdx: cfg.EventIdx,
	}
}

// Order returns the queue's negotiated byte order.
func (q *Queue) Order() ByteOrder { return q.order }

// Size returns the configured queue size.
func (q *Queue) Size() uint16 { return q.size }

// Ready reports whether the rings are attached and the queue is usable.
func (q *Queue) Ready() bool { return q.ready }

// SetSize configures the number of descriptors. The size must be a non-zero
// power of two no larger than the configured maximum; index arithmetic
// throughout the package masks with it.
func (q *Queue) SetSize(size uint16) error {
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("queue size %d is not a power of two", size)
	}
	if q.maxSize != 0 && size > q.maxSize {
		return fmt.Errorf("queue size %d exceeds max size %d", size, q.maxSize)
	}
	q.size = size
	return nil
}

// Attach resolves the three ring regions from guest memory and marks the
// queue ready. SetSize must have been called first.
func (q *Queue) Attach(descAddr, availAddr, usedAddr uint64) error {
	if q.size == 0 {
		return fmt.Errorf("%w: size not set", ErrQueueNotReady)
	}
	view, err := mapRings(q.mem, q.size, q.eventIdx, descAddr, availAddr, usedAddr)
	if err != nil {
		return err
	}
	q.view = view
	q.ready = true
	return nil
}

// Reset clears all queue state, detaching the rings.
func (q *Queue) Reset() {
	q.size = 0
	q.ready = false
	q.view = ringView{}
	q.lastAvail = 0
	q.lastUsedSignalled = 0
}

func (q *Queue) ensureReady() error {
	if !q.ready || q.size == 0 {
		return ErrQueueNotReady
	}
	return nil
}

// Pending reports whether the guest has queued buffers the host has not yet
// popped.
func (q *Queue) Pending() (bool, error) {
	if err := q.ensureReady(); err != nil {
		return false, err
	}
	_, availIdx := q.view.loadAvailHeader(q.order)
	return availIdx != q.lastAvail, nil
}

// Pop removes the next available head index from the available ring. It
// returns ok=false when the guest has queued nothing new. When event idx is
// negotiated, Pop also publishes the avail-event field so the guest knows
// when its next kick is required.
func (q *Queue) Pop() (head uint16, ok bool, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}
	_, availIdx := q.view.loadAvailHeader(q.order)
	if availIdx == q.lastAvail {
		return 0, false, nil
	}

	head = q.view.availEntry(q.order, q.lastAvail%q.size)
	q.lastAvail++
	if q.eventIdx {
		q.view.putAvailEvent(q.order, q.lastAvail)
	}

	if head >= q.size {
		return head, false, fmt.Errorf("%w: head index %d out of range (size %d)", ErrBadDescriptor, head, q.size)
	}
	return head, true, nil
}

// Walk follows the descriptor chain starting at head and resolves every
// fragment to host memory. One level of indirection is honored: a head
// descriptor marked indirect reinterprets its buffer as a separate
// descriptor table and the walk restarts at its entry 0.
//
// Guest-supplied indices and lengths are untrusted. An out-of-range link, a
// ragged indirect table, or a chain longer than the queue size fails with a
// sentinel error instead of being clamped; the queue itself stays usable.
func (q *Queue) Walk(head uint16) (Chain, error) {
	if err := q.ensureReady(); err != nil {
		return Chain{}, err
	}
	if head >= q.size {
		return Chain{}, fmt.Errorf("%w: head index %d out of range (size %d)", ErrBadDescriptor, head, q.size)
	}

	table := q.view.desc
	max := q.size
	idx := head

	if d := descAt(table, q.order, idx); d.Flags&DescFIndirect != 0 {
		if d.Len == 0 || d.Len%descSize != 0 {
			return Chain{}, fmt.Errorf("%w: indirect table length %d not a multiple of %d", ErrBadDescriptor, d.Len, descSize)
		}
		entries := d.Len / descSize
		if entries > uint32(q.size) {
			return Chain{}, fmt.Errorf("%w: indirect table has %d entries, queue size is %d", ErrBadDescriptor, entries, q.size)
		}
		indirect, err := q.mem.Slice(d.Addr, uint64(d.Len))
		if err != nil {
			return Chain{}, fmt.Errorf("%w: indirect table at %#x: %v", ErrBadDescriptor, d.Addr, err)
		}
		table = indirect
		max = uint16(entries)
		idx = 0
	}

	chain := Chain{Head: head}
	for steps := uint16(0); ; steps++ {
		if steps == q.size {
			return Chain{}, fmt.Errorf("%w: more than %d descriptors from head %d", ErrChainTooLong, q.size, head)
		}

		d := descAt(table, q.order, idx)
		if d.Flags&DescFIndirect != 0 {
			// Only the head descriptor may indirect; nesting is forbidden.
			return Chain{}, fmt.Errorf("%w: nested indirect descriptor at index %d", ErrBadDescriptor, idx)
		}

		buf := Buffer{Addr: d.Addr}
		if d.Len > 0 {
			data, err := q.mem.Slice(d.Addr, uint64(d.Len))
			if err != nil {
				return Chain{}, fmt.Errorf("%w: buffer at %#x+%d: %v", ErrBadDescriptor, d.Addr, d.Len, err)
			}
			buf.Data = data
		}
		if d.Flags&DescFWrite != 0 {
			chain.Writable = append(chain.Writable, buf)
		} else {
			chain.Readable = append(chain.Readable, buf)
		}

		if d.Flags&DescFNext == 0 {
			return chain, nil
		}
		if d.Next >= max {
			return Chain{}, fmt.Errorf("%w: next index %d out of range (max %d)", ErrBadDescriptor, d.Next, max)
		}
		idx = d.Next
	}
}

// PopChain pops the next available head and walks it in one call, the shape
// most device backends want. ok is false when nothing is pending.
func (q *Queue) PopChain() (chain Chain, ok bool, err error) {
	head, ok, err := q.Pop()
	if err != nil || !ok {
		return Chain{}, false, err
	}
	chain, err = q.Walk(head)
	if err != nil {
		return Chain{}, false, err
	}
	return chain, true, nil
}

// PublishUsed appends a completion record {id: head, len: length} to the
// used ring and advances the used index. The element write is ordered before
// the index store (release), and the index store is ordered before any
// notification the caller delivers afterwards. Returns the ring slot the
// element landed in.
func (q *Queue) PublishUsed(head uint16, length uint32) (slot uint16, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, err
	}

	flags, idx := q.view.loadUsedHeader(q.order)
	slot = idx % q.size

	elem := q.view.usedElem(slot)
	q.order.PutUint32(elem[0:4], uint32(head))
	q.order.PutUint32(elem[4:8], length)

	// Release store: the guest must never observe the new index without the
	// element it exposes.
	q.view.storeUsedHeader(q.order, flags, idx+1)

	// Second barrier: the index must be visible before the guest is
	// signalled, or the interrupt handler can read a stale index and ignore
	// the queue.
	q.view.notifyFence()

	return slot, nil
}

// ShouldSignal decides whether the guest needs an interrupt for completions
// published since the last signal.
//
// With event idx negotiated this is the wrapped-interval test: signal iff
// the used index moved past the guest's used_event threshold since the last
// signal, using 16-bit modular ordering. On a positive decision the
// signalled cursor advances; otherwise no state changes. Without event idx
// the driver's no-interrupt flag is honored instead.
func (q *Queue) ShouldSignal() bool {
	if q.ensureReady() != nil {
		return false
	}

	if !q.eventIdx {
		flags, _ := q.view.loadAvailHeader(q.order)
		return flags&AvailFNoInterrupt == 0
	}

	old := q.lastUsedSignalled
	_, newIdx := q.view.loadUsedHeader(q.order)
	event := q.view.usedEvent(q.order)

	if ringNeedEvent(event, newIdx, old) {
		q.lastUsedSignalled = newIdx
		return true
	}
	return false
}

// ringNeedEvent reports whether event lies in the window [old, new) under
// 16-bit wraparound, the vring_need_event comparison from the virtio spec.
// Linear ordering here causes either notification storms or guest stalls
// when the indices wrap.
func ringNeedEvent(event, newIdx, oldIdx uint16) bool {
	return newIdx-event-1 < newIdx-oldIdx
}

// ChainHandler consumes one descriptor chain and reports how many bytes it
// wrote into the chain's writable buffers.
type ChainHandler func(Chain) (written uint32, err error)

// Process drains the available ring: each pending chain is walked, handed to
// fn, and its completion published. It returns whether anything was
// processed, so the caller can consult ShouldSignal once per batch rather
// than per element. A walk or handler error stops the batch; completions
// already published stay published.
func (q *Queue) Process(fn ChainHandler) (processed bool, err error) {
	for {
		head, ok, err := q.Pop()
		if err != nil {
			return processed, err
		}
		if !ok {
			return processed, nil
		}
		chain, err := q.Walk(head)
		if err != nil {
			return processed, err
		}
		written, err := fn(chain)
		if err != nil {
			return processed, err
		}
		if _, err := q.PublishUsed(head, written); err != nil {
			return processed, err
		}
		processed = true
	}
}
