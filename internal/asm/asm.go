// Package asm is a small two-pass text assembler for the engine's
// bytecode, adapted from the teacher's line-oriented preprocess/parse
// pipeline (regex label rewriting, escape-sequence handling for
// quoted strings) but retargeted at a function-pool image instead of
// a single flat register program.
package asm

import (
	"bufio"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/kstephano-labs/c0vm/vm"
)

var (
	commentPattern = regexp.MustCompile(`//.*`)

	escapeSeqReplacements = map[string]string{
		`\a`:  "\a",
		`\b`:  "\b",
		`\t`:  "\t",
		`\n`:  "\n",
		`\r`:  "\r",
		`\f`:  "\f",
		`\v`:  "\v",
		`\\`:  `\`,
		`\"`:  `"`,
	}
)

func unescape(s string) string {
	for orig, repl := range escapeSeqReplacements {
		s = strings.ReplaceAll(s, orig, repl)
	}
	return s
}

// NativeDecl describes one native callable by name from assembly, in
// the order its .native directives appear; Assemble turns the
// declared order into the image's native pool.
type NativeDecl struct {
	Name               string
	NumArgs            uint16
	FunctionTableIndex uint16
}

type rawInstr struct {
	label string // non-empty if this line only defines a label
	op    string
	arg   string
	line  int
}

type rawFunction struct {
	name    string
	numArgs byte
	numVars byte
	instrs  []rawInstr
}

// Assemble compiles source text into a vm.Image. Source is a sequence
// of ".native name numargs" declarations followed by one or more
// ".function name numargs numvars" ... ".end" blocks; the first
// declared function is the entry point.
func Assemble(source string) (*vm.Image, []NativeDecl, error) {
	lines := strings.Split(source, "\n")

	var natives []NativeDecl
	var functions []rawFunction
	var cur *rawFunction

	for lineNo, raw := range lines {
		line := commentPattern.ReplaceAllString(raw, "")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, ".native"):
			fields := strings.Fields(line)
			if len(fields) != 3 {
				return nil, nil, errors.Errorf("line %d: .native wants name and arg count", lineNo+1)
			}
			n, err := strconv.Atoi(fields[2])
			if err != nil {
				return nil, nil, errors.Wrapf(err, "line %d: bad native arg count", lineNo+1)
			}
			natives = append(natives, NativeDecl{
				Name:               fields[1],
				NumArgs:            uint16(n),
				FunctionTableIndex: uint16(len(natives)),
			})

		case strings.HasPrefix(line, ".function"):
			fields := strings.Fields(line)
			if len(fields) != 4 {
				return nil, nil, errors.Errorf("line %d: .function wants name, numargs, numvars", lineNo+1)
			}
			numArgs, err := strconv.Atoi(fields[2])
			if err != nil {
				return nil, nil, errors.Wrapf(err, "line %d: bad numargs", lineNo+1)
			}
			numVars, err := strconv.Atoi(fields[3])
			if err != nil {
				return nil, nil, errors.Wrapf(err, "line %d: bad numvars", lineNo+1)
			}
			cur = &rawFunction{name: fields[1], numArgs: byte(numArgs), numVars: byte(numVars)}

		case line == ".end":
			if cur == nil {
				return nil, nil, errors.Errorf("line %d: .end without matching .function", lineNo+1)
			}
			functions = append(functions, *cur)
			cur = nil

		case strings.HasSuffix(line, ":") && !strings.Contains(line, " "):
			if cur == nil {
				return nil, nil, errors.Errorf("line %d: label outside of function", lineNo+1)
			}
			cur.instrs = append(cur.instrs, rawInstr{label: strings.TrimSuffix(line, ":"), line: lineNo + 1})

		default:
			if cur == nil {
				return nil, nil, errors.Errorf("line %d: instruction outside of function", lineNo+1)
			}
			op, arg, err := splitInstruction(line)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "line %d", lineNo+1)
			}
			cur.instrs = append(cur.instrs, rawInstr{op: op, arg: arg, line: lineNo + 1})
		}
	}
	if cur != nil {
		return nil, nil, errors.Errorf(".function %s missing .end", cur.name)
	}
	if len(functions) == 0 {
		return nil, nil, errors.New("no functions declared")
	}

	asmImage := &vm.Image{}
	funcIndex := make(map[string]uint16, len(functions))
	for i, fn := range functions {
		funcIndex[fn.name] = uint16(i)
	}
	nativeIndex := make(map[string]uint16, len(natives))
	for i, n := range natives {
		nativeIndex[n.Name] = uint16(i)
		asmImage.Natives = append(asmImage.Natives, vm.NativeRef{NumArgs: n.NumArgs, FunctionTableIndex: n.FunctionTableIndex})
	}

	for _, fn := range functions {
		code, err := assembleFunction(fn, funcIndex, nativeIndex, asmImage)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "function %s", fn.name)
		}
		asmImage.Functions = append(asmImage.Functions, vm.Function{
			NumArgs: fn.numArgs,
			NumVars: fn.numVars,
			Code:    code,
		})
	}

	return asmImage, natives, nil
}

// splitInstruction separates a mnemonic from its single operand,
// respecting double-quoted string operands that may contain spaces.
func splitInstruction(line string) (op, arg string, err error) {
	if idx := strings.IndexByte(line, ' '); idx >= 0 {
		return line[:idx], strings.TrimSpace(line[idx+1:]), nil
	}
	return line, "", nil
}

// assembleFunction runs the two-pass label resolution: pass one walks
// instructions accumulating each one's byte offset (so a label's
// target address is known before it's referenced), pass two emits
// bytes, turning label operands into signed 16-bit pc-relative
// displacements.
func assembleFunction(fn rawFunction, funcIndex, nativeIndex map[string]uint16, img *vm.Image) ([]byte, error) {
	labelOffset := make(map[string]uint32)
	offset := uint32(0)
	for _, ins := range fn.instrs {
		if ins.label != "" {
			labelOffset[ins.label] = offset
			continue
		}
		op, ok := vm.LookupOpcode(ins.op)
		if !ok {
			return nil, errors.Errorf("line %d: unknown mnemonic %q", ins.line, ins.op)
		}
		offset += uint32(op.Size())
	}

	code := make([]byte, 0, offset)
	for _, ins := range fn.instrs {
		if ins.label != "" {
			continue
		}
		op, _ := vm.LookupOpcode(ins.op)
		start := uint32(len(code))
		code = append(code, byte(op))

		switch op.Size() {
		case 1:
			// no operand

		case 2:
			b, err := operandByte(op, ins.arg, img)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", ins.line)
			}
			code = append(code, b)

		case 3:
			v, err := operandUint16(op, ins.arg, start, labelOffset, funcIndex, nativeIndex, img)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", ins.line)
			}
			code = append(code, byte(v>>8), byte(v))
		}
	}
	return code, nil
}

func operandByte(op vm.Opcode, arg string, img *vm.Image) (byte, error) {
	switch op {
	case vm.OpBipush:
		n, err := strconv.ParseInt(arg, 0, 8)
		if err != nil {
			return 0, errors.Wrapf(err, "bipush operand %q", arg)
		}
		return byte(int8(n)), nil
	case vm.OpVload, vm.OpVstore, vm.OpNew, vm.OpNewArray, vm.OpAaddf:
		n, err := strconv.ParseUint(arg, 0, 8)
		if err != nil {
			return 0, errors.Wrapf(err, "%s operand %q", op, arg)
		}
		return byte(n), nil
	default:
		return 0, errors.Errorf("unhandled 1-byte operand opcode %s", op)
	}
}

func operandUint16(op vm.Opcode, arg string, instrStart uint32, labels map[string]uint32, funcIndex, nativeIndex map[string]uint16, img *vm.Image) (uint16, error) {
	switch op {
	case vm.OpIldc:
		n, err := strconv.ParseInt(arg, 0, 32)
		if err != nil {
			return 0, errors.Wrapf(err, "ildc operand %q", arg)
		}
		idx := len(img.IntPool)
		img.IntPool = append(img.IntPool, int32(n))
		return uint16(idx), nil

	case vm.OpAldc:
		s, err := unquote(arg)
		if err != nil {
			return 0, err
		}
		offset := len(img.StringPool)
		img.StringPool = append(img.StringPool, []byte(unescape(s))...)
		img.StringPool = append(img.StringPool, 0)
		return uint16(offset), nil

	case vm.OpInvokeStatic:
		idx, ok := funcIndex[arg]
		if !ok {
			return 0, errors.Errorf("invokestatic: unknown function %q", arg)
		}
		return idx, nil

	case vm.OpInvokeNative:
		idx, ok := nativeIndex[arg]
		if !ok {
			return 0, errors.Errorf("invokenative: unknown native %q", arg)
		}
		return idx, nil

	case vm.OpGoto, vm.OpIfCmpEq, vm.OpIfCmpNe, vm.OpIfICmpLt, vm.OpIfICmpGe, vm.OpIfICmpGt, vm.OpIfICmpLe:
		target, ok := labels[arg]
		if !ok {
			return 0, errors.Errorf("branch to undefined label %q", arg)
		}
		disp := int32(target) - int32(instrStart)
		if disp < -32768 || disp > 32767 {
			return 0, errors.Errorf("branch displacement %d out of int16 range", disp)
		}
		return uint16(int16(disp)), nil

	default:
		return 0, errors.Errorf("unhandled 2-byte operand opcode %s", op)
	}
}

func unquote(s string) (string, error) {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", errors.Errorf("expected quoted string, got %q", s)
	}
	return s[1 : len(s)-1], nil
}

// AssembleFile reads and assembles a single source file.
func AssembleFile(path string) (*vm.Image, []NativeDecl, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var sb strings.Builder
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return Assemble(sb.String())
}
