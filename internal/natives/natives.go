// Package natives provides the reference native function table: the
// primitives a program reaches via INVOKENATIVE for I/O, character
// and string handling, and command-line argument access. It is
// grounded on the teacher's hardware-device registry (an ordered,
// name-addressable table of host-provided handlers with a fixed
// calling convention) adapted from an asynchronous interrupt bus down
// to direct synchronous calls, since INVOKENATIVE is synchronous.
package natives

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/kstephano-labs/c0vm/internal/asm"
	"github.com/kstephano-labs/c0vm/vm"
)

// entry pairs a native's declared arity with its implementation, in
// the fixed order Build emits them to the function table.
type entry struct {
	name    string
	numArgs uint16
	fn      vm.NativeFunc
}

// Registry builds the default native function table together with
// the .native declarations an internal/asm source must list (in the
// same order) to resolve invokenative-by-name.
type Registry struct {
	out     *bufio.Writer
	args    []string
	entries []entry

	mu sync.Mutex
}

// NewRegistry constructs the default registry. out receives print*
// native output; args is the program's argv, exposed to args_flag,
// args_int and args_string.
func NewRegistry(out io.Writer, args []string) *Registry {
	r := &Registry{out: bufio.NewWriter(out), args: args}
	r.register("print", 1, r.print)
	r.register("println", 1, r.println)
	r.register("printint", 1, r.printint)
	r.register("printbool", 1, r.printbool)
	r.register("printchar", 1, r.printchar)
	r.register("char_ord", 1, r.charOrd)
	r.register("char_chr", 1, r.charChr)
	r.register("string_length", 1, r.stringLength)
	r.register("string_charat", 2, r.stringCharAt)
	r.register("string_join", 2, r.stringJoin)
	r.register("string_equal", 2, r.stringEqual)
	r.register("string_terminated", 1, r.stringTerminated)
	r.register("string_fromchars", 1, r.stringFromChars)
	r.register("args_flag", 2, r.argsFlag)
	r.register("args_int", 3, r.argsInt)
	r.register("args_string", 3, r.argsString)
	return r
}

func (r *Registry) register(name string, numArgs uint16, fn vm.NativeFunc) {
	r.entries = append(r.entries, entry{name: name, numArgs: numArgs, fn: fn})
}

// Build returns the vm.Table in declaration order together with the
// matching asm.NativeDecl list. The table goes to vm.NewEngine; the
// decl list gives each native's name, arity and table index, which is
// the order an assembly source's .native directives must follow.
// internal/asm does not take this list as input.
func (r *Registry) Build() (vm.Table, []asm.NativeDecl) {
	table := make(vm.Table, len(r.entries))
	decls := make([]asm.NativeDecl, len(r.entries))
	for i, e := range r.entries {
		table[i] = e.fn
		decls[i] = asm.NativeDecl{Name: e.name, NumArgs: e.numArgs, FunctionTableIndex: uint16(i)}
	}
	return table, decls
}

// Flush flushes buffered stdout writes; call after Engine.Execute
// returns.
func (r *Registry) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.Flush()
}

func userTrap(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func (r *Registry) writeString(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out.WriteString(s)
}

func (r *Registry) print(h *vm.Heap, args []vm.Value) (vm.Value, error) {
	s, ok := h.ReadCString(args[0].Ptr())
	if !ok {
		return vm.Value{}, userTrap("print: invalid string pointer")
	}
	r.writeString(s)
	return vm.IntValue(0), nil
}

func (r *Registry) println(h *vm.Heap, args []vm.Value) (vm.Value, error) {
	s, ok := h.ReadCString(args[0].Ptr())
	if !ok {
		return vm.Value{}, userTrap("println: invalid string pointer")
	}
	r.writeString(s)
	r.writeString("\n")
	return vm.IntValue(0), nil
}

func (r *Registry) printint(_ *vm.Heap, args []vm.Value) (vm.Value, error) {
	r.writeString(strconv.Itoa(int(args[0].Int())))
	return vm.IntValue(0), nil
}

func (r *Registry) printbool(_ *vm.Heap, args []vm.Value) (vm.Value, error) {
	if args[0].Int() == 0 {
		r.writeString("false")
	} else {
		r.writeString("true")
	}
	return vm.IntValue(0), nil
}

func (r *Registry) printchar(_ *vm.Heap, args []vm.Value) (vm.Value, error) {
	r.writeString(string(rune(args[0].Int())))
	return vm.IntValue(0), nil
}

func (r *Registry) charOrd(_ *vm.Heap, args []vm.Value) (vm.Value, error) {
	return vm.IntValue(args[0].Int()), nil
}

func (r *Registry) charChr(_ *vm.Heap, args []vm.Value) (vm.Value, error) {
	return vm.IntValue(args[0].Int() & 0xFF), nil
}

func (r *Registry) stringLength(h *vm.Heap, args []vm.Value) (vm.Value, error) {
	s, ok := h.ReadCString(args[0].Ptr())
	if !ok {
		return vm.Value{}, userTrap("string_length: invalid string pointer")
	}
	return vm.IntValue(int32(len(s))), nil
}

func (r *Registry) stringCharAt(h *vm.Heap, args []vm.Value) (vm.Value, error) {
	s, ok := h.ReadCString(args[0].Ptr())
	if !ok {
		return vm.Value{}, userTrap("string_charat: invalid string pointer")
	}
	idx := int(args[1].Int())
	if idx < 0 || idx >= len(s) {
		return vm.Value{}, userTrap("string_charat: index %d out of bounds", idx)
	}
	return vm.IntValue(int32(s[idx])), nil
}

func (r *Registry) stringJoin(h *vm.Heap, args []vm.Value) (vm.Value, error) {
	a, ok := h.ReadCString(args[0].Ptr())
	if !ok {
		return vm.Value{}, userTrap("string_join: invalid string pointer")
	}
	b, ok := h.ReadCString(args[1].Ptr())
	if !ok {
		return vm.Value{}, userTrap("string_join: invalid string pointer")
	}
	return vm.PtrValue(h.AllocString(a + b)), nil
}

func (r *Registry) stringEqual(h *vm.Heap, args []vm.Value) (vm.Value, error) {
	a, ok := h.ReadCString(args[0].Ptr())
	if !ok {
		return vm.Value{}, userTrap("string_equal: invalid string pointer")
	}
	b, ok := h.ReadCString(args[1].Ptr())
	if !ok {
		return vm.Value{}, userTrap("string_equal: invalid string pointer")
	}
	if a == b {
		return vm.IntValue(1), nil
	}
	return vm.IntValue(0), nil
}

func (r *Registry) stringTerminated(h *vm.Heap, args []vm.Value) (vm.Value, error) {
	if _, ok := h.ReadCString(args[0].Ptr()); !ok {
		return vm.IntValue(0), nil
	}
	return vm.IntValue(1), nil
}

func (r *Registry) stringFromChars(h *vm.Heap, args []vm.Value) (vm.Value, error) {
	arr := args[0].Ptr()
	count, ok := h.ArrayCount(arr)
	if !ok {
		return vm.Value{}, userTrap("string_fromchars: invalid array pointer")
	}
	buf := make([]byte, count)
	for i := int32(0); i < count; i++ {
		addr, validDesc, inRange := h.ArrayEltAddr(arr, i)
		if !validDesc || !inRange {
			return vm.Value{}, userTrap("string_fromchars: invalid array element %d", i)
		}
		b, ok := h.ReadByte(addr)
		if !ok {
			return vm.Value{}, userTrap("string_fromchars: invalid array element %d", i)
		}
		buf[i] = b
	}
	return vm.PtrValue(h.AllocString(string(buf))), nil
}

func (r *Registry) argIndex(args []vm.Value, pos int) (int, bool) {
	idx := int(args[pos].Int())
	if idx < 0 || idx >= len(r.args) {
		return 0, false
	}
	return idx, true
}

func (r *Registry) argsFlag(_ *vm.Heap, args []vm.Value) (vm.Value, error) {
	if _, ok := r.argIndex(args, 0); !ok {
		return vm.IntValue(0), nil
	}
	return vm.IntValue(1), nil
}

func (r *Registry) argsInt(_ *vm.Heap, args []vm.Value) (vm.Value, error) {
	idx, ok := r.argIndex(args, 0)
	if !ok {
		return vm.IntValue(args[2].Int()), nil
	}
	n, err := strconv.Atoi(r.args[idx])
	if err != nil {
		return vm.IntValue(args[2].Int()), nil
	}
	return vm.IntValue(int32(n)), nil
}

func (r *Registry) argsString(h *vm.Heap, args []vm.Value) (vm.Value, error) {
	idx, ok := r.argIndex(args, 0)
	if !ok {
		return vm.PtrValue(args[2].Ptr()), nil
	}
	return vm.PtrValue(h.AllocString(r.args[idx])), nil
}
