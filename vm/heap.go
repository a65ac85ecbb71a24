package vm

import "encoding/binary"

// arrayDescSize is the size in bytes of an array descriptor record:
// a uint32 element count, a uint8 element size, and a uint32 address
// of the (separately allocated) element buffer.
const arrayDescSize = 9

// Heap is a single append-only byte arena backing every record,
// array and string the engine ever allocates. Addresses are offsets
// into this arena; address 0 is reserved so it can serve as the null
// sentinel. The engine never frees: heap allocations live until
// process exit, matching the source's behaviour (spec.md §1, §9).
type Heap struct {
	buf []byte
}

// NewHeap creates a heap with the image's string pool copied in
// immediately after the reserved null byte, so ALDC addresses and
// ordinary heap addresses share one address space.
func NewHeap(stringPool []byte) *Heap {
	buf := make([]byte, 1, 1+len(stringPool)+64)
	buf = append(buf, stringPool...)
	return &Heap{buf: buf}
}

// StringBase returns the address of string-pool index 0.
func (h *Heap) StringBase() Address { return 1 }

// Alloc reserves n freshly zeroed bytes and returns their address.
// Zero-initialization resolves spec.md §9's open question in favour
// of determinism.
func (h *Heap) Alloc(n int) Address {
	addr := Address(len(h.buf))
	h.buf = append(h.buf, make([]byte, n)...)
	return addr
}

func (h *Heap) inBounds(addr Address, n int) bool {
	if addr == NullAddress {
		return false
	}
	end := int(addr) + n
	return n >= 0 && int(addr) <= len(h.buf) && end <= len(h.buf)
}

// ReadByte reads one byte at addr.
func (h *Heap) ReadByte(addr Address) (byte, bool) {
	if !h.inBounds(addr, 1) {
		return 0, false
	}
	return h.buf[addr], true
}

// WriteByte writes one byte at addr.
func (h *Heap) WriteByte(addr Address, b byte) bool {
	if !h.inBounds(addr, 1) {
		return false
	}
	h.buf[addr] = b
	return true
}

// ReadUint32 reads a little-endian 32-bit word at addr.
func (h *Heap) ReadUint32(addr Address) (uint32, bool) {
	if !h.inBounds(addr, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(h.buf[addr:]), true
}

// WriteUint32 writes a little-endian 32-bit word at addr.
func (h *Heap) WriteUint32(addr Address, v uint32) bool {
	if !h.inBounds(addr, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(h.buf[addr:], v)
	return true
}

// ReadCString reads a NUL-terminated byte string starting at addr.
func (h *Heap) ReadCString(addr Address) (string, bool) {
	var out []byte
	for i := 0; ; i++ {
		b, ok := h.ReadByte(addr + Address(i))
		if !ok {
			return "", false
		}
		if b == 0 {
			return string(out), true
		}
		out = append(out, b)
	}
}

// AllocString copies s into a freshly allocated, NUL-terminated heap
// buffer and returns its address, for natives that synthesize new
// strings (string_join, string_fromchars).
func (h *Heap) AllocString(s string) Address {
	addr := h.Alloc(len(s) + 1)
	for i := 0; i < len(s); i++ {
		h.buf[int(addr)+i] = s[i]
	}
	return addr
}

// NewArray allocates a zeroed element buffer of n*eltSize bytes and
// a descriptor record referencing it, returning the descriptor's
// address. n must already be known non-negative by the caller (the
// negative-size check is a caller-visible arithmetic trap, not a
// heap-level concern).
func (h *Heap) NewArray(n int32, eltSize byte) Address {
	elems := h.Alloc(int(n) * int(eltSize))
	desc := h.Alloc(arrayDescSize)
	binary.LittleEndian.PutUint32(h.buf[desc:], uint32(n))
	h.buf[desc+4] = eltSize
	binary.LittleEndian.PutUint32(h.buf[desc+5:], uint32(elems))
	return desc
}

// ArrayCount reads the element count out of the descriptor at desc.
func (h *Heap) ArrayCount(desc Address) (int32, bool) {
	if !h.inBounds(desc, arrayDescSize) {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(h.buf[desc:])), true
}

// ArrayEltAddr computes the address of element index within the
// array described at desc, reporting whether desc was a valid
// descriptor and whether index was in bounds.
func (h *Heap) ArrayEltAddr(desc Address, index int32) (addr Address, validDesc bool, inRange bool) {
	if !h.inBounds(desc, arrayDescSize) {
		return 0, false, false
	}
	count := int32(binary.LittleEndian.Uint32(h.buf[desc:]))
	eltSize := h.buf[desc+4]
	elems := Address(binary.LittleEndian.Uint32(h.buf[desc+5:]))
	if index < 0 || index >= count {
		return 0, true, false
	}
	return elems + Address(int32(eltSize)*index), true, true
}
