package artifacts

import (
	"io"
	"log"
)

var (
	opsLogger  = newLogger(io.Discard)
	diagLogger = newLogger(io.Discard)
)

// SetLogWriters configures the package log destinations. Both default to
// discard until the composition root wires them.
func SetLogWriters(ops, diag io.Writer) {
	opsLogger = newLogger(ops)
	diagLogger = newLogger(diag)
}

func newLogger(w io.Writer) *log.Logger {
	return log.New(w, "[artifacts] ", log.LstdFlags|log.Lmicroseconds)
}

func opsf(format string, v ...any)  { opsLogger.Printf(format, v...) }
func diagf(format string, v ...any) { diagLogger.Printf(format, v...) }
