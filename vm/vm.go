package vm

import "io"

// Function is one entry of the image's function pool: a callable
// unit of bytecode. Entry 0 of Image.Functions is the program entry
// point (spec.md §6).
type Function struct {
	NumArgs byte
	NumVars byte // capacity hint only; engine always allocates 256 locals
	Code    []byte
}

// NativeRef is one entry of the image's native pool: the arity the
// caller must supply and the index into the native function table
// installed on the Engine (spec.md §6).
type NativeRef struct {
	NumArgs            uint16
	FunctionTableIndex uint16
}

// Image is the in-memory structure the engine executes: the
// immutable, read-only pools produced by a (separately specified)
// loader. The engine depends only on this contract, never on how an
// Image was produced (spec.md §1's loader-is-external stance).
type Image struct {
	IntPool    []int32
	StringPool []byte
	Functions  []Function
	Natives    []NativeRef
}

// NativeFunc is a host-provided primitive reachable via
// INVOKENATIVE: synchronous, given the heap (for natives that read or
// write heap-resident strings/records) and its already-popped
// arguments in declaration order, returning one Value or an error. A
// returned error that is (or wraps) a *Trap is propagated as that
// trap; any other error is wrapped as a TrapUser trap, matching
// spec.md §4.6's "natives ... may raise user or memory traps".
type NativeFunc func(h *Heap, args []Value) (Value, error)

// Table is the native function table: an array of host-provided
// primitives keyed by function_table_index, installed before
// Execute is called (spec.md §6).
type Table []NativeFunc

// Engine holds everything needed to run one Image to completion: the
// read-only pools, the append-only heap they seed, the native table,
// and an optional trace sink.
type Engine struct {
	image   *Image
	heap    *Heap
	natives Table
	trace   io.Writer
}

// NewEngine constructs an Engine ready to execute image's entry
// function (index 0). natives may be nil if the image never invokes
// INVOKENATIVE. trace, if non-nil, receives one line per executed
// instruction.
func NewEngine(image *Image, natives Table, trace io.Writer) *Engine {
	return &Engine{
		image:   image,
		heap:    NewHeap(image.StringPool),
		natives: natives,
		trace:   trace,
	}
}

// Heap exposes the engine's heap to packages (such as internal/natives)
// that need to read or write heap-resident data on behalf of a native
// call, without reaching into engine-private dispatch state.
func (e *Engine) Heap() *Heap { return e.heap }

func (e *Engine) trap(kind TrapKind, pc uint32, format string, args ...interface{}) *Trap {
	return newTrap(kind, pc, format, args...)
}
