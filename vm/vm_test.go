package vm_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/kstephano-labs/c0vm/internal/asm"
	"github.com/kstephano-labs/c0vm/internal/natives"
	"github.com/kstephano-labs/c0vm/vm"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	if !cond {
		t.Fatalf(fmt.Sprintf("%v %s", cond, format), args...)
	}
}

func compileAndCheck(t *testing.T, source string) *vm.Image {
	img, _, err := asm.Assemble(source)
	assert(t, err == nil, "failed to assemble: %v", err)
	return img
}

func runAndEnsureResult(t *testing.T, img *vm.Image, want int32) {
	got, trap := vm.Run(img, nil)
	assert(t, trap == nil, "unexpected trap: %v", trap)
	assert(t, got == want, "got %d, want %d", got, want)
}

func runAndEnsureTrap(t *testing.T, img *vm.Image, kind vm.TrapKind) {
	_, trap := vm.Run(img, nil)
	assert(t, trap != nil, "expected a trap, got none")
	assert(t, trap.Kind == kind, "got trap kind %s, want %s", trap.Kind, kind)
}

func TestConstantReturn(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 0
			bipush 42
			return
		.end
	`)
	runAndEnsureResult(t, img, 42)
}

func TestArithmetic(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 0
			bipush 6
			bipush 7
			imul
			return
		.end
	`)
	runAndEnsureResult(t, img, 42)
}

func TestBranchTaken(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 1
			bipush 1
			vstore 0
			vload 0
			bipush 0
			if_icmpgt positive
			bipush -1
			return
		positive:
			bipush 1
			return
		.end
	`)
	runAndEnsureResult(t, img, 1)
}

func TestBranchNotTaken(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 1
			bipush 0
			vstore 0
			vload 0
			bipush 0
			if_icmpgt positive
			bipush -1
			return
		positive:
			bipush 1
			return
		.end
	`)
	runAndEnsureResult(t, img, -1)
}

func TestFunctionCallWithArgs(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 0
			bipush 19
			bipush 23
			invokestatic add
			return
		.end
		.function add 2 0
			vload 0
			vload 1
			iadd
			return
		.end
	`)
	runAndEnsureResult(t, img, 42)
}

func TestArrayRoundTrip(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 1
			bipush 3
			newarray 4
			vstore 0

			vload 0
			bipush 1
			aadds
			bipush 99
			imstore

			vload 0
			bipush 1
			aadds
			imload
			return
		.end
	`)
	runAndEnsureResult(t, img, 99)
}

func TestArrayLengthIsNullSafe(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 0
			aconst_null
			arraylength
			return
		.end
	`)
	runAndEnsureResult(t, img, 0)
}

func TestDivisionByZeroTraps(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 0
			bipush 1
			bipush 0
			idiv
			return
		.end
	`)
	runAndEnsureTrap(t, img, vm.TrapArithmetic)
}

func TestOutOfBoundsArrayAccessTraps(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 1
			bipush 2
			newarray 4
			vstore 0
			vload 0
			bipush 5
			aadds
			imload
			return
		.end
	`)
	runAndEnsureTrap(t, img, vm.TrapMemory)
}

func TestNullDereferenceTraps(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 0
			aconst_null
			imload
			return
		.end
	`)
	runAndEnsureTrap(t, img, vm.TrapMemory)
}

func TestAssertFailureTraps(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 0
			bipush 0
			aldc "boom"
			assert
			bipush 0
			return
		.end
	`)
	runAndEnsureTrap(t, img, vm.TrapAssertion)
}

func TestAssertPassesThrough(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 0
			bipush 1
			aldc "unreachable"
			assert
			bipush 7
			return
		.end
	`)
	runAndEnsureResult(t, img, 7)
}

func TestShiftAtBoundarySucceeds(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 0
			bipush 1
			bipush 31
			ishl
			return
		.end
	`)
	runAndEnsureResult(t, img, -2147483648)
}

func TestShiftPastBoundaryTraps(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 0
			bipush 1
			bipush 32
			ishl
			return
		.end
	`)
	runAndEnsureTrap(t, img, vm.TrapArithmetic)
}

func TestNegativeShiftCountTraps(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 0
			bipush 1
			bipush -1
			ishr
			return
		.end
	`)
	runAndEnsureTrap(t, img, vm.TrapArithmetic)
}

func TestCmstoreMasksToSevenBits(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 1
			new 1
			vstore 0
			vload 0
			bipush -1
			cmstore
			vload 0
			cmload
			return
		.end
	`)
	runAndEnsureResult(t, img, 127)
}

func TestNewArrayNegativeSizeTraps(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 0
			bipush -1
			newarray 4
			return
		.end
	`)
	runAndEnsureTrap(t, img, vm.TrapArithmetic)
}

func TestIldcOutOfRangeTraps(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 0
			ildc 5
			return
		.end
	`)
	// Corrupt the pool index operand past the int pool's single entry.
	img.Functions[0].Code[1] = 0xFF
	img.Functions[0].Code[2] = 0xFF
	runAndEnsureTrap(t, img, vm.TrapArithmetic)
}

func TestAldcOutOfRangeTraps(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 0
			aldc "hi"
			return
		.end
	`)
	// Corrupt the string-pool offset operand past the pool's bounds.
	img.Functions[0].Code[1] = 0xFF
	img.Functions[0].Code[2] = 0xFF
	runAndEnsureTrap(t, img, vm.TrapArithmetic)
}

func TestAthrowTraps(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 0
			aldc "user error"
			athrow
		.end
	`)
	runAndEnsureTrap(t, img, vm.TrapUser)
}

func TestUnknownOpcodeTraps(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 0
			bipush 1
			return
		.end
	`)
	// Corrupt the entry function's code with a byte that decodes to no
	// known opcode, simulating a malformed image.
	img.Functions[0].Code[0] = 0xFE
	runAndEnsureTrap(t, img, vm.TrapInvalidInstruction)
}

func TestInvokeNativePrint(t *testing.T) {
	img := compileAndCheck(t, `
		.native print 1
		.native println 1
		.function main 0 0
			aldc "hello"
			invokenative println
			bipush 0
			return
		.end
	`)

	var out bytes.Buffer
	reg := natives.NewRegistry(&out, nil)
	table, _ := reg.Build()

	result, trap := vm.Run(img, table)
	assert(t, trap == nil, "unexpected trap: %v", trap)
	assert(t, result == 0, "got %d, want 0", result)
	err := reg.Flush()
	assert(t, err == nil, "flush: %v", err)
	assert(t, out.String() == "hello\n", "got stdout %q", out.String())
}

func TestStringEqualNative(t *testing.T) {
	img := compileAndCheck(t, `
		.native print 1
		.native println 1
		.native printint 1
		.native printbool 1
		.native printchar 1
		.native char_ord 1
		.native char_chr 1
		.native string_length 1
		.native string_charat 2
		.native string_join 2
		.native string_equal 2
		.function main 0 0
			aldc "abc"
			aldc "abc"
			invokenative string_equal
			return
		.end
	`)

	reg := natives.NewRegistry(&bytes.Buffer{}, nil)
	table, _ := reg.Build()

	result, trap := vm.Run(img, table)
	assert(t, trap == nil, "unexpected trap: %v", trap)
	assert(t, result == 1, "got %d, want 1", result)
}
