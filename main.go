package main

import (
	"fmt"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/kstephano-labs/c0vm/internal/asm"
	"github.com/kstephano-labs/c0vm/internal/image"
	"github.com/kstephano-labs/c0vm/internal/natives"
	"github.com/kstephano-labs/c0vm/vm"
)

var (
	traceFlag    = flag.Bool("trace", false, "print one line per executed instruction to stderr")
	nativeTable  = flag.String("native-table", "default", "native function table to install: default|none")
	assembleFlag = flag.Bool("assemble", false, "treat the input file as assembly text and compile only, writing a bc0 image")
	outputFlag   = flag.String("output", "", "with --assemble, path to write the bc0 image (default: input path with .bc0 suffix)")
)

func loadImage(path string) (*vm.Image, []asm.NativeDecl, error) {
	if *assembleFlag || strings.HasSuffix(path, ".c0s") {
		return asm.AssembleFile(path)
	}
	img, err := image.LoadFile(path)
	return img, nil, err
}

func run() int {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: c0vm [flags] <program.bc0|program.c0s> [program args...]")
		return 2
	}

	path, progArgs := args[0], args[1:]

	img, _, err := loadImage(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "c0vm:", err)
		return 2
	}

	if *assembleFlag {
		out := *outputFlag
		if out == "" {
			out = strings.TrimSuffix(path, ".c0s") + ".bc0"
		}
		if err := image.SaveFile(out, img); err != nil {
			fmt.Fprintln(os.Stderr, "c0vm: assemble:", err)
			return 2
		}
		return 0
	}

	var table vm.Table
	var registry *natives.Registry
	switch *nativeTable {
	case "default":
		registry = natives.NewRegistry(os.Stdout, progArgs)
		table, _ = registry.Build()
	case "none":
		table = nil
	default:
		fmt.Fprintln(os.Stderr, "c0vm: unknown --native-table value:", *nativeTable)
		return 2
	}

	var result int32
	var trap *vm.Trap
	if *traceFlag {
		result, trap = vm.RunTraced(img, table, os.Stderr)
	} else {
		result, trap = vm.Run(img, table)
	}

	if registry != nil {
		if err := registry.Flush(); err != nil {
			fmt.Fprintln(os.Stderr, "c0vm: flush:", err)
		}
	}

	if trap != nil {
		fmt.Fprintln(os.Stderr, "c0vm: trap:", trap)
		if *traceFlag {
			fmt.Fprintf(os.Stderr, "%+v\n", trap.Cause())
		}
		return trap.Kind.ExitCode()
	}

	return int(result)
}

func main() {
	os.Exit(run())
}
