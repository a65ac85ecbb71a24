package vm

import (
	"io"
	"runtime/debug"
)

// withGCDisabled disables the garbage collector for the duration of
// fn and restores whatever percentage was configured beforehand
// (GOGC's own value, or 100, unless changed at run time). The
// dispatch loop allocates only at calls, allocations and operand-stack
// growth; pausing the collector keeps a background sweep from skewing
// the hot path, matching the teacher's execution-loop GC discipline.
func withGCDisabled(fn func()) {
	defer debug.SetGCPercent(debug.SetGCPercent(-1))

	fn()
}

// Run executes image to completion with the garbage collector paused,
// returning the program's integer result or the trap that ended it.
func Run(image *Image, natives Table) (result int32, trap *Trap) {
	withGCDisabled(func() {
		result, trap = NewEngine(image, natives, nil).Execute()
	})
	return
}

// RunTraced behaves like Run but writes one line per executed
// instruction to w.
func RunTraced(image *Image, natives Table, w io.Writer) (result int32, trap *Trap) {
	withGCDisabled(func() {
		result, trap = NewEngine(image, natives, w).Execute()
	})
	return
}
