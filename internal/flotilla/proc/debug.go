package proc

import (
	"io"
	"os"
)

// NewDebugWriters returns a stdout/stderr forwarding pair sharing one palette
// color, prefixed "<base>  | " and "<base> E| ". Writes are line-atomic
// across every debug writer in the process. Close flushes a trailing partial
// line.
//
// Higher layers use this to give container output the same live debug
// channel that spawned processes get.
func NewDebugWriters(base string) (stdout, stderr io.WriteCloser) {
	col := nextColor()
	return newLineWriter(os.Stdout, col.Sprintf("%s  | ", base)),
		newLineWriter(os.Stderr, col.Sprintf("%s E| ", base))
}
