package virtio

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Descriptor flag bits, as laid out in the descriptor table.
const (
	// DescFNext marks a descriptor whose buffer continues in desc[next].
	DescFNext = 1
	// DescFWrite marks a buffer the device writes into (otherwise read-only).
	DescFWrite = 2
	// DescFIndirect marks a buffer that holds an out-of-line descriptor table.
	DescFIndirect = 4
)

// Ring flag bits.
const (
	// AvailFNoInterrupt is the driver's hint that it does not need a used
	// buffer notification. Only consulted when event idx is not negotiated.
	AvailFNoInterrupt = 1
	// UsedFNoNotify is the device's hint that the driver may skip available
	// buffer notifications.
	UsedFNoNotify = 1
)

// Feature bits this layer understands. Everything else is negotiated by the
// device backend and opaque here.
const (
	// FeatureRingEventIdx enables the used_event/avail_event suppression
	// scheme (VIRTIO_RING_F_EVENT_IDX).
	FeatureRingEventIdx = 29
	// FeatureVersion1 selects the modern, always-little-endian ring layout.
	FeatureVersion1 = 32
)

// Wire sizes of the split-ring structures.
const (
	descSize     = 16 // {addr u64, len u32, flags u16, next u16}
	usedElemSize = 8  // {id u32, len u32}
	ringHdrSize  = 4  // {flags u16, idx u16}
	eventSize    = 2
)

// Descriptor is one entry of a descriptor table, decoded to host order.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// GuestMemory resolves a guest physical range to host memory. The returned
// slice aliases guest RAM for its full length, so ring writes land in the
// shared region directly. Implementations have already validated the range
// against the guest memory map and must preserve the natural alignment of
// the guest address (the ring headers are accessed as aligned 32-bit words).
type GuestMemory interface {
	Slice(addr uint64, length uint64) ([]byte, error)
}

// GuestRAM is a GuestMemory over a single flat allocation, the shape every
// test and the ringsim tool use.
type GuestRAM struct {
	Base uint64
	Data []byte
}

// Slice implements GuestMemory.
func (r *GuestRAM) Slice(addr uint64, length uint64) ([]byte, error) {
	if addr < r.Base || addr-r.Base > uint64(len(r.Data)) {
		return nil, fmt.Errorf("guest address %#x outside RAM [%#x, %#x)", addr, r.Base, r.Base+uint64(len(r.Data)))
	}
	off := addr - r.Base
	if length > uint64(len(r.Data))-off {
		return nil, fmt.Errorf("guest range %#x+%d runs past RAM end %#x", addr, length, r.Base+uint64(len(r.Data)))
	}
	return r.Data[off : off+length], nil
}

// ringView holds the host mappings of one queue's three ring regions,
// resolved once at attach time.
//
// The avail header and used header are the two cross-domain synchronization
// points of the split ring. They are only touched through the fenced
// accessors below; everything this package publishes to the used ring goes
// through storeUsedHeader, so a used element can never become visible ahead
// of the index that exposes it.
type ringView struct {
	desc  []byte // size * descSize
	avail []byte // ringHdrSize + size*2 [+ used_event]
	used  []byte // ringHdrSize + size*usedElemSize [+ avail_event]

	availHdr *uint32
	usedHdr  *uint32

	size     uint16
	eventIdx bool
}

func mapRings(mem GuestMemory, size uint16, eventIdx bool, descAddr, availAddr, usedAddr uint64) (ringView, error) {
	if descAddr%descSize != 0 || availAddr%4 != 0 || usedAddr%4 != 0 {
		return ringView{}, fmt.Errorf("%w: desc=%#x avail=%#x used=%#x", ErrRingAlignment, descAddr, availAddr, usedAddr)
	}

	availSize := uint64(ringHdrSize) + uint64(size)*2
	usedSize := uint64(ringHdrSize) + uint64(size)*usedElemSize
	if eventIdx {
		availSize += eventSize
		usedSize += eventSize
	}

	desc, err := mem.Slice(descAddr, uint64(size)*descSize)
	if err != nil {
		return ringView{}, fmt.Errorf("map descriptor table: %w", err)
	}
	avail, err := mem.Slice(availAddr, availSize)
	if err != nil {
		return ringView{}, fmt.Errorf("map available ring: %w", err)
	}
	used, err := mem.Slice(usedAddr, usedSize)
	if err != nil {
		return ringView{}, fmt.Errorf("map used ring: %w", err)
	}

	availHdr, err := headerWord(avail)
	if err != nil {
		return ringView{}, err
	}
	usedHdr, err := headerWord(used)
	if err != nil {
		return ringView{}, err
	}

	return ringView{
		desc:     desc,
		avail:    avail,
		used:     used,
		availHdr: availHdr,
		usedHdr:  usedHdr,
		size:     size,
		eventIdx: eventIdx,
	}, nil
}

// headerWord reinterprets the first four bytes of a mapped ring as an
// aligned uint32 so the flags+idx pair can be loaded and stored atomically.
func headerWord(b []byte) (*uint32, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("ring mapping shorter than header: %d bytes", len(b))
	}
	p := unsafe.Pointer(&b[0])
	if uintptr(p)%4 != 0 {
		return nil, fmt.Errorf("%w: host mapping not 4-byte aligned", ErrRingAlignment)
	}
	return (*uint32)(p), nil
}

// loadAvailHeader reads the guest-owned avail flags and index with acquire
// ordering: ring entries written by the guest before it bumped the index are
// visible to any read that follows.
func (v *ringView) loadAvailHeader(o ByteOrder) (flags, idx uint16) {
	w := atomic.LoadUint32(v.availHdr)
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], w)
	return o.Uint16(b[0:2]), o.Uint16(b[2:4])
}

// loadUsedHeader reads back the host-owned used flags and index. The host is
// the sole writer of this word, but the load is kept atomic so it pairs
// cleanly with storeUsedHeader under the race detector.
func (v *ringView) loadUsedHeader(o ByteOrder) (flags, idx uint16) {
	w := atomic.LoadUint32(v.usedHdr)
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], w)
	return o.Uint16(b[0:2]), o.Uint16(b[2:4])
}

// storeUsedHeader publishes the used flags and index with release ordering.
// This is the first mandatory barrier of the publish sequence: the used
// element written just before must be visible to the guest no later than the
// index that exposes it.
func (v *ringView) storeUsedHeader(o ByteOrder, flags, idx uint16) {
	var b [4]byte
	o.PutUint16(b[0:2], flags)
	o.PutUint16(b[2:4], idx)
	atomic.StoreUint32(v.usedHdr, binary.NativeEndian.Uint32(b[:]))
}

// notifyFence is the second mandatory barrier of the publish sequence: the
// updated used index must be globally visible before any notification is
// delivered, or the guest may take the interrupt, see a stale index, and
// ignore the queue.
func (v *ringView) notifyFence() {
	atomic.LoadUint32(v.usedHdr)
}

// availEntry returns avail.ring[slot], the head index the guest queued.
func (v *ringView) availEntry(o ByteOrder, slot uint16) uint16 {
	return o.Uint16(v.avail[ringHdrSize+int(slot)*2:])
}

// usedEvent returns the guest's requested notification threshold. The field
// trails the avail ring and is only present when event idx was negotiated.
func (v *ringView) usedEvent(o ByteOrder) uint16 {
	return o.Uint16(v.avail[ringHdrSize+int(v.size)*2:])
}

// putAvailEvent publishes the index up to which the host has consumed the
// avail ring, telling the guest when its next kick is actually needed.
func (v *ringView) putAvailEvent(o ByteOrder, idx uint16) {
	o.PutUint16(v.used[ringHdrSize+int(v.size)*usedElemSize:], idx)
}

// usedElem returns the mapped bytes of used.ring[slot].
func (v *ringView) usedElem(slot uint16) []byte {
	off := ringHdrSize + int(slot)*usedElemSize
	return v.used[off : off+usedElemSize]
}

// descAt decodes table[i]. The caller has bounds-checked i against the
// table's entry count.
func descAt(table []byte, o ByteOrder, i uint16) Descriptor {
	b := table[int(i)*descSize : int(i)*descSize+descSize]
	return Descriptor{
		Addr:  o.Uint64(b[0:8]),
		Len:   o.Uint32(b[8:12]),
		Flags: o.Uint16(b[12:14]),
		Next:  o.Uint16(b[14:16]),
	}
}
