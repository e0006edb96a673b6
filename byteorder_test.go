package virtio

import (
	"encoding/binary"
	"testing"
)

func TestByteOrderRoundTrip(t *testing.T) {
	orders := map[string]ByteOrder{
		"modern": Modern,
		"legacy": Legacy,
	}
	for name, o := range orders {
		t.Run(name, func(t *testing.T) {
			for _, v := range []uint64{0, 1, 0x1234, 0xffff, 0xdeadbeef, 0x0123456789abcdef} {
				if got := o.ToHost16(o.ToGuest16(uint16(v))); got != uint16(v) {
					t.Errorf("16-bit round trip of %#x gave %#x", uint16(v), got)
				}
				if got := o.ToHost32(o.ToGuest32(uint32(v))); got != uint32(v) {
					t.Errorf("32-bit round trip of %#x gave %#x", uint32(v), got)
				}
				if got := o.ToHost64(o.ToGuest64(v)); got != v {
					t.Errorf("64-bit round trip of %#x gave %#x", v, got)
				}
			}
		})
	}
}

func TestByteOrderFieldAccess(t *testing.T) {
	var buf [8]byte

	t.Run("modern is little-endian", func(t *testing.T) {
		Modern.PutUint32(buf[:4], 0x11223344)
		if got := binary.LittleEndian.Uint32(buf[:4]); got != 0x11223344 {
			t.Fatalf("modern field stored as %#x", got)
		}
		if got := Modern.Uint32(buf[:4]); got != 0x11223344 {
			t.Fatalf("modern read back %#x", got)
		}
	})

	t.Run("legacy is host-native", func(t *testing.T) {
		Legacy.PutUint64(buf[:], 0x0102030405060708)
		if got := binary.NativeEndian.Uint64(buf[:]); got != 0x0102030405060708 {
			t.Fatalf("legacy field stored as %#x", got)
		}
	})

	t.Run("store then load all widths", func(t *testing.T) {
		for _, o := range []ByteOrder{Modern, Legacy} {
			o.PutUint16(buf[:2], 0xbeef)
			if got := o.Uint16(buf[:2]); got != 0xbeef {
				t.Fatalf("16-bit field read back %#x", got)
			}
			o.PutUint64(buf[:], 0xfeedfacecafebeef)
			if got := o.Uint64(buf[:]); got != 0xfeedfacecafebeef {
				t.Fatalf("64-bit field read back %#x", got)
			}
		}
	})
}
