package virtio

import "encoding/binary"

// ByteOrder converts multi-byte ring fields between guest and host
// representation. A queue negotiated as modern (VIRTIO_F_VERSION_1) uses
// little-endian fields regardless of host architecture; a legacy queue uses
// the guest's native order, which for an emulated guest sharing the host ISA
// is the host's native order.
//
// Every ring-field access in this package goes through one of these methods.
type ByteOrder struct {
	legacy bool
}

var (
	// Modern is the byte order of a VIRTIO_F_VERSION_1 queue.
	Modern = ByteOrder{}
	// Legacy is the byte order of a pre-1.0 queue.
	Legacy = ByteOrder{legacy: true}
)

func (o ByteOrder) wire() binary.ByteOrder {
	if o.legacy {
		return binary.NativeEndian
	}
	return binary.LittleEndian
}

// Uint16 reads a 16-bit ring field into host representation.
func (o ByteOrder) Uint16(b []byte) uint16 { return o.wire().Uint16(b) }

// Uint32 reads a 32-bit ring field into host representation.
func (o ByteOrder) Uint32(b []byte) uint32 { return o.wire().Uint32(b) }

// Uint64 reads a 64-bit ring field into host representation.
func (o ByteOrder) Uint64(b []byte) uint64 { return o.wire().Uint64(b) }

// PutUint16 stores a host value as a 16-bit ring field.
func (o ByteOrder) PutUint16(b []byte, v uint16) { o.wire().PutUint16(b, v) }

// PutUint32 stores a host value as a 32-bit ring field.
func (o ByteOrder) PutUint32(b []byte, v uint32) { o.wire().PutUint32(b, v) }

// PutUint64 stores a host value as a 64-bit ring field.
func (o ByteOrder) PutUint64(b []byte, v uint64) { o.wire().PutUint64(b, v) }

// ToGuest16 converts a host value into the bit pattern the guest expects.
// The conversion is involutive: ToHost16(ToGuest16(v)) == v.
func (o ByteOrder) ToGuest16(v uint16) uint16 {
	var b [2]byte
	o.wire().PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}

// ToHost16 converts a guest bit pattern into a host value.
func (o ByteOrder) ToHost16(v uint16) uint16 {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], v)
	return o.wire().Uint16(b[:])
}

// ToGuest32 converts a host value into the bit pattern the guest expects.
func (o ByteOrder) ToGuest32(v uint32) uint32 {
	var b [4]byte
	o.wire().PutUint32(b[:], v)
	return binary.NativeEndian.Uint32(b[:])
}

// ToHost32 converts a guest bit pattern into a host value.
func (o ByteOrder) ToHost32(v uint32) uint32 {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], v)
	return o.wire().Uint32(b[:])
}

// ToGuest64 converts a host value into the bit pattern the guest expects.
func (o ByteOrder) ToGuest64(v uint64) uint64 {
	var b [8]byte
	o.wire().PutUint64(b[:], v)
	return binary.NativeEndian.Uint64(b[:])
}

// ToHost64 converts a guest bit pattern into a host value.
func (o ByteOrder) ToHost64(v uint64) uint64 {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], v)
	return o.wire().Uint64(b[:])
}
