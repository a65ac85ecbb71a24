package vm

import "fmt"

// getDefaultRecoverFuncForEngine installs a backstop against engine
// bugs that would otherwise surface as a Go panic (a bad slice index
// slipping past a bounds check, say) and turns them into an
// invalid_instruction trap instead of crashing the host process.
func getDefaultRecoverFuncForEngine(pc uint32, trap **Trap) func() {
	return func() {
		if r := recover(); r != nil {
			*trap = newTrap(TrapInvalidInstruction, pc, "internal fault: %v", r)
		}
	}
}

// Execute runs the image's entry function (Functions[0]) to
// completion. It returns the integer RETURNed from the outermost
// frame, or the trap that terminated execution. trap is nil exactly
// when the program ran to completion; result is 0 whenever trap is
// non-nil (spec.md §4.9).
func (e *Engine) Execute() (result int32, trap *Trap) {
	if len(e.image.Functions) == 0 {
		return 0, newTrap(TrapInvalidInstruction, 0, "image has no entry function")
	}
	entry := e.image.Functions[0]
	act := &activation{stack: NewStack(), code: entry.Code}
	calls := &callStack{}

	defer getDefaultRecoverFuncForEngine(act.pc, &trap)()

	for {
		if e.trace != nil {
			fmt.Fprintf(e.trace, "pc=%-5d %s\n", act.pc, e.formatInstruction(act))
		}

		done, value, t := e.step(act, calls)
		if t != nil {
			return 0, t
		}
		if done {
			return value, nil
		}
	}
}

func (e *Engine) formatInstruction(act *activation) string {
	if int(act.pc) >= len(act.code) {
		return "<end>"
	}
	op := Opcode(act.code[act.pc])
	return op.String()
}

func (e *Engine) fetchByte(act *activation) (byte, bool) {
	if int(act.pc) >= len(act.code) {
		return 0, false
	}
	b := act.code[act.pc]
	act.pc++
	return b, true
}

func (e *Engine) fetchUint16(act *activation) (uint16, bool) {
	if int(act.pc)+2 > len(act.code) {
		return 0, false
	}
	v := uint16(act.code[act.pc])<<8 | uint16(act.code[act.pc+1])
	act.pc += 2
	return v, true
}

// step executes exactly one instruction. done reports whether the
// outermost RETURN has fired, in which case value is the program's
// result. A non-nil trap takes precedence over both.
func (e *Engine) step(act *activation, calls *callStack) (done bool, value int32, trap *Trap) {
	start := act.pc
	opByte, ok := e.fetchByte(act)
	if !ok {
		return false, 0, e.trap(TrapInvalidInstruction, start, "pc ran past end of code")
	}
	op := Opcode(opByte)

	pop := func() (Value, bool) { return act.stack.Pop() }
	push := act.stack.Push

	needInt := func(v Value, pc uint32) (int32, *Trap) {
		if v.Kind() != KindInt {
			return 0, e.trap(TrapInvalidInstruction, pc, "expected int operand, got pointer")
		}
		return v.Int(), nil
	}
	needPtr := func(v Value, pc uint32) (Address, *Trap) {
		if v.Kind() != KindPtr {
			return 0, e.trap(TrapInvalidInstruction, pc, "expected pointer operand, got int")
		}
		return v.Ptr(), nil
	}
	popInt := func() (int32, *Trap) {
		v, ok := pop()
		if !ok {
			return 0, e.trap(TrapArithmetic, start, "not enough operands")
		}
		return needInt(v, start)
	}
	popPtr := func() (Address, *Trap) {
		v, ok := pop()
		if !ok {
			return 0, e.trap(TrapArithmetic, start, "not enough operands")
		}
		return needPtr(v, start)
	}
	popVal := func() (Value, *Trap) {
		v, ok := pop()
		if !ok {
			return Value{}, e.trap(TrapArithmetic, start, "not enough operands")
		}
		return v, nil
	}
	requireNonNull := func(a Address) *Trap {
		if a == NullAddress {
			return e.trap(TrapMemory, start, "dereference of null pointer")
		}
		return nil
	}

	switch op {
	case OpNop:
		// no-op

	case OpPop:
		if _, ok := pop(); !ok {
			return false, 0, e.trap(TrapArithmetic, start, "not enough operands")
		}

	case OpDup:
		v, ok := act.stack.Peek()
		if !ok {
			return false, 0, e.trap(TrapArithmetic, start, "not enough operands")
		}
		push(v)

	case OpSwap:
		if !act.stack.Swap() {
			return false, 0, e.trap(TrapArithmetic, start, "not enough operands")
		}

	case OpIAdd, OpISub, OpIMul, OpIDiv, OpIRem, OpIAnd, OpIOr, OpIXor, OpIShl, OpIShr:
		y, t := popInt()
		if t != nil {
			return false, 0, t
		}
		x, t := popInt()
		if t != nil {
			return false, 0, t
		}
		var result int32
		switch op {
		case OpIAdd:
			result = int32(uint32(x) + uint32(y))
		case OpISub:
			result = int32(uint32(x) - uint32(y))
		case OpIMul:
			result = int32(uint32(x) * uint32(y))
		case OpIDiv:
			if y == 0 {
				return false, 0, e.trap(TrapArithmetic, start, "division by zero")
			}
			if x == -2147483648 && y == -1 {
				return false, 0, e.trap(TrapArithmetic, start, "integer overflow in division")
			}
			result = x / y
		case OpIRem:
			if y == 0 {
				return false, 0, e.trap(TrapArithmetic, start, "modulo by zero")
			}
			if x == -2147483648 && y == -1 {
				return false, 0, e.trap(TrapArithmetic, start, "integer overflow in remainder")
			}
			result = x % y
		case OpIAnd:
			result = x & y
		case OpIOr:
			result = x | y
		case OpIXor:
			result = x ^ y
		case OpIShl:
			if y < 0 || y > 31 {
				return false, 0, e.trap(TrapArithmetic, start, "shift count %d out of range", y)
			}
			result = int32(uint32(x) << uint32(y))
		case OpIShr:
			if y < 0 || y > 31 {
				return false, 0, e.trap(TrapArithmetic, start, "shift count %d out of range", y)
			}
			result = x >> uint32(y)
		}
		push(IntValue(result))

	case OpBipush:
		b, ok := e.fetchByte(act)
		if !ok {
			return false, 0, e.trap(TrapInvalidInstruction, start, "bipush: missing operand")
		}
		push(IntValue(int32(int8(b))))

	case OpIldc:
		idx, ok := e.fetchUint16(act)
		if !ok {
			return false, 0, e.trap(TrapInvalidInstruction, start, "ildc: missing operand")
		}
		if int(idx) >= len(e.image.IntPool) {
			return false, 0, e.trap(TrapArithmetic, start, "ildc: pool index %d out of range", idx)
		}
		push(IntValue(e.image.IntPool[idx]))

	case OpAldc:
		offset, ok := e.fetchUint16(act)
		if !ok {
			return false, 0, e.trap(TrapInvalidInstruction, start, "aldc: missing operand")
		}
		if int(offset) >= len(e.image.StringPool) {
			return false, 0, e.trap(TrapArithmetic, start, "aldc: pool index %d out of range", offset)
		}
		push(PtrValue(e.heap.StringBase() + Address(offset)))

	case OpAconstNull:
		push(PtrValue(NullAddress))

	case OpVload:
		idx, ok := e.fetchByte(act)
		if !ok {
			return false, 0, e.trap(TrapInvalidInstruction, start, "vload: missing operand")
		}
		push(act.locals[idx])

	case OpVstore:
		idx, ok := e.fetchByte(act)
		if !ok {
			return false, 0, e.trap(TrapInvalidInstruction, start, "vstore: missing operand")
		}
		v, t := popVal()
		if t != nil {
			return false, 0, t
		}
		act.locals[idx] = v

	case OpIfCmpEq, OpIfCmpNe:
		disp, ok := e.fetchUint16(act)
		if !ok {
			return false, 0, e.trap(TrapInvalidInstruction, start, "branch: missing operand")
		}
		y, t := popVal()
		if t != nil {
			return false, 0, t
		}
		x, t := popVal()
		if t != nil {
			return false, 0, t
		}
		eq := ValEqual(x, y)
		if (op == OpIfCmpEq && eq) || (op == OpIfCmpNe && !eq) {
			act.pc = start + uint32(int32(int16(disp)))
		}

	case OpIfICmpLt, OpIfICmpGe, OpIfICmpGt, OpIfICmpLe:
		disp, ok := e.fetchUint16(act)
		if !ok {
			return false, 0, e.trap(TrapInvalidInstruction, start, "branch: missing operand")
		}
		y, t := popInt()
		if t != nil {
			return false, 0, t
		}
		x, t := popInt()
		if t != nil {
			return false, 0, t
		}
		var take bool
		switch op {
		case OpIfICmpLt:
			take = x < y
		case OpIfICmpGe:
			take = x >= y
		case OpIfICmpGt:
			take = x > y
		case OpIfICmpLe:
			take = x <= y
		}
		if take {
			act.pc = start + uint32(int32(int16(disp)))
		}

	case OpGoto:
		disp, ok := e.fetchUint16(act)
		if !ok {
			return false, 0, e.trap(TrapInvalidInstruction, start, "goto: missing operand")
		}
		act.pc = start + uint32(int32(int16(disp)))

	case OpInvokeStatic:
		idx, ok := e.fetchUint16(act)
		if !ok {
			return false, 0, e.trap(TrapInvalidInstruction, start, "invokestatic: missing operand")
		}
		if int(idx) >= len(e.image.Functions) {
			return false, 0, e.trap(TrapInvalidInstruction, start, "invokestatic: function index %d out of range", idx)
		}
		callee := e.image.Functions[idx]
		args := make([]Value, callee.NumArgs)
		for i := int(callee.NumArgs) - 1; i >= 0; i-- {
			v, t := popVal()
			if t != nil {
				return false, 0, t
			}
			args[i] = v
		}
		calls.push(frame{stack: act.stack, code: act.code, pc: act.pc, locals: act.locals})
		act.stack = NewStack()
		act.code = callee.Code
		act.pc = 0
		act.locals = [256]Value{}
		copy(act.locals[:], args)

	case OpInvokeNative:
		idx, ok := e.fetchUint16(act)
		if !ok {
			return false, 0, e.trap(TrapInvalidInstruction, start, "invokenative: missing operand")
		}
		if int(idx) >= len(e.image.Natives) {
			return false, 0, e.trap(TrapInvalidInstruction, start, "invokenative: native index %d out of range", idx)
		}
		ref := e.image.Natives[idx]
		if int(ref.FunctionTableIndex) >= len(e.natives) || e.natives[ref.FunctionTableIndex] == nil {
			return false, 0, e.trap(TrapInvalidInstruction, start, "invokenative: unbound function table index %d", ref.FunctionTableIndex)
		}
		args := make([]Value, ref.NumArgs)
		for i := int(ref.NumArgs) - 1; i >= 0; i-- {
			v, t := popVal()
			if t != nil {
				return false, 0, t
			}
			args[i] = v
		}
		result, err := e.natives[ref.FunctionTableIndex](e.heap, args)
		if err != nil {
			if existing, is := AsTrap(err); is {
				return false, 0, existing
			}
			return false, 0, e.trap(TrapUser, start, "native call failed: %v", err)
		}
		push(result)

	case OpReturn:
		v, t := popVal()
		if t != nil {
			return false, 0, t
		}
		caller, ok := calls.pop()
		if !ok {
			if v.Kind() != KindInt {
				return false, 0, e.trap(TrapInvalidInstruction, start, "program returned a pointer, not an int")
			}
			return true, v.Int(), nil
		}
		act.stack = caller.stack
		act.code = caller.code
		act.pc = caller.pc
		act.locals = caller.locals
		act.stack.Push(v)

	case OpNew:
		size, ok := e.fetchByte(act)
		if !ok {
			return false, 0, e.trap(TrapInvalidInstruction, start, "new: missing operand")
		}
		push(PtrValue(e.heap.Alloc(int(size))))

	case OpNewArray:
		eltSize, ok := e.fetchByte(act)
		if !ok {
			return false, 0, e.trap(TrapInvalidInstruction, start, "newarray: missing operand")
		}
		count, t := popInt()
		if t != nil {
			return false, 0, t
		}
		if count < 0 {
			return false, 0, e.trap(TrapArithmetic, start, "negative array length %d", count)
		}
		push(PtrValue(e.heap.NewArray(count, eltSize)))

	case OpArrayLength:
		ptr, t := popPtr()
		if t != nil {
			return false, 0, t
		}
		if ptr == NullAddress {
			push(IntValue(0))
			break
		}
		count, ok := e.heap.ArrayCount(ptr)
		if !ok {
			return false, 0, e.trap(TrapMemory, start, "arraylength: invalid array pointer")
		}
		push(IntValue(count))

	case OpAaddf:
		offset, ok := e.fetchByte(act)
		if !ok {
			return false, 0, e.trap(TrapInvalidInstruction, start, "aaddf: missing operand")
		}
		indirect, t := popPtr()
		if t != nil {
			return false, 0, t
		}
		if tr := requireNonNull(indirect); tr != nil {
			return false, 0, tr
		}
		baseWord, ok := e.heap.ReadUint32(indirect)
		if !ok {
			return false, 0, e.trap(TrapMemory, start, "aaddf: invalid pointer")
		}
		push(PtrValue(Address(baseWord) + Address(offset)))

	case OpAadds:
		index, t := popInt()
		if t != nil {
			return false, 0, t
		}
		arr, t := popPtr()
		if t != nil {
			return false, 0, t
		}
		if tr := requireNonNull(arr); tr != nil {
			return false, 0, tr
		}
		addr, validDesc, inRange := e.heap.ArrayEltAddr(arr, index)
		if !validDesc {
			return false, 0, e.trap(TrapMemory, start, "aadds: invalid array pointer")
		}
		if !inRange {
			return false, 0, e.trap(TrapMemory, start, "aadds: index %d out of bounds", index)
		}
		push(PtrValue(addr))

	case OpImload:
		ptr, t := popPtr()
		if t != nil {
			return false, 0, t
		}
		if tr := requireNonNull(ptr); tr != nil {
			return false, 0, tr
		}
		word, ok := e.heap.ReadUint32(ptr)
		if !ok {
			return false, 0, e.trap(TrapMemory, start, "imload: invalid address")
		}
		push(IntValue(int32(word)))

	case OpImstore:
		val, t := popInt()
		if t != nil {
			return false, 0, t
		}
		ptr, t := popPtr()
		if t != nil {
			return false, 0, t
		}
		if tr := requireNonNull(ptr); tr != nil {
			return false, 0, tr
		}
		if !e.heap.WriteUint32(ptr, uint32(val)) {
			return false, 0, e.trap(TrapMemory, start, "imstore: invalid address")
		}

	case OpAmload:
		ptr, t := popPtr()
		if t != nil {
			return false, 0, t
		}
		if tr := requireNonNull(ptr); tr != nil {
			return false, 0, tr
		}
		word, ok := e.heap.ReadUint32(ptr)
		if !ok {
			return false, 0, e.trap(TrapMemory, start, "amload: invalid address")
		}
		push(PtrValue(Address(word)))

	case OpAmstore:
		val, t := popPtr()
		if t != nil {
			return false, 0, t
		}
		ptr, t := popPtr()
		if t != nil {
			return false, 0, t
		}
		if tr := requireNonNull(ptr); tr != nil {
			return false, 0, tr
		}
		if !e.heap.WriteUint32(ptr, uint32(val)) {
			return false, 0, e.trap(TrapMemory, start, "amstore: invalid address")
		}

	case OpCmload:
		ptr, t := popPtr()
		if t != nil {
			return false, 0, t
		}
		if tr := requireNonNull(ptr); tr != nil {
			return false, 0, tr
		}
		b, ok := e.heap.ReadByte(ptr)
		if !ok {
			return false, 0, e.trap(TrapMemory, start, "cmload: invalid address")
		}
		push(IntValue(int32(b)))

	case OpCmstore:
		val, t := popInt()
		if t != nil {
			return false, 0, t
		}
		ptr, t := popPtr()
		if t != nil {
			return false, 0, t
		}
		if tr := requireNonNull(ptr); tr != nil {
			return false, 0, tr
		}
		if !e.heap.WriteByte(ptr, byte(val)&0x7F) {
			return false, 0, e.trap(TrapMemory, start, "cmstore: invalid address")
		}

	case OpAthrow:
		ptr, t := popPtr()
		if t != nil {
			return false, 0, t
		}
		msg := "c0_user_error"
		if ptr != NullAddress {
			if s, ok := e.heap.ReadCString(ptr); ok {
				msg = s
			}
		}
		return false, 0, e.trap(TrapUser, start, "%s", msg)

	case OpAssert:
		msgPtr, t := popPtr()
		if t != nil {
			return false, 0, t
		}
		cond, t := popInt()
		if t != nil {
			return false, 0, t
		}
		if cond == 0 {
			msg := "assertion failed"
			if msgPtr != NullAddress {
				if s, ok := e.heap.ReadCString(msgPtr); ok {
					msg = s
				}
			}
			return false, 0, e.trap(TrapAssertion, start, "%s", msg)
		}

	default:
		return false, 0, e.trap(TrapInvalidInstruction, start, "unknown opcode %d", opByte)
	}

	return false, 0, nil
}
