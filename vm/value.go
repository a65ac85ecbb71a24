// Package vm implements the execution engine: the operand-stack
// interpreter, call-frame discipline, heap/array object model and
// trap semantics for a small stack-based bytecode VM.
package vm

// Kind distinguishes the two variants a tagged Value can hold.
type Kind uint8

const (
	KindInt Kind = iota
	KindPtr
)

// Address is an opaque heap address: an offset into a Heap's byte
// arena, or NullAddress for the null pointer.
type Address uint32

// NullAddress is the distinguished null pointer. Address 0 is never
// handed out by Heap.Alloc (see heap.go), so it is safe to use as a
// sentinel.
const NullAddress Address = 0

// Value is a uniform tagged cell holding either a 32-bit signed
// integer or a heap Address. The two variants are distinguishable at
// runtime; decoding with the wrong accessor is a bytecode-level
// programming error, not a panic-worthy condition here, matching
// spec's "undefined for the engine" stance on ill-typed bytecode.
type Value struct {
	kind Kind
	bits uint32
}

// IntValue tags and stores a 32-bit signed integer (int2val).
func IntValue(i int32) Value {
	return Value{kind: KindInt, bits: uint32(i)}
}

// PtrValue tags and stores a heap address (ptr2val).
func PtrValue(a Address) Value {
	return Value{kind: KindPtr, bits: uint32(a)}
}

// Kind reports which variant this Value holds.
func (v Value) Kind() Kind { return v.kind }

// Int untags and retrieves the integer (val2int). Callers must only
// invoke this on a Value produced by IntValue; the bytecode is
// assumed well-typed by its compiler.
func (v Value) Int() int32 { return int32(v.bits) }

// Ptr untags and retrieves the address (val2ptr). Callers must only
// invoke this on a Value produced by PtrValue.
func (v Value) Ptr() Address { return Address(v.bits) }

// ValEqual reports whether a and b are both integers with equal bit
// patterns, or both pointers with equal addresses (including both
// null).
func ValEqual(a, b Value) bool {
	return a.kind == b.kind && a.bits == b.bits
}
