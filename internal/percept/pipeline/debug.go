package pipeline

import (
	"io"
	"log"
)

var (
	opsLogger   = newLogger(io.Discard)
	diagLogger  = newLogger(io.Discard)
	traceLogger = newLogger(io.Discard)
)

// SetLogWriters configures the package log destinations.
func SetLogWriters(ops, diag, trace io.Writer) {
	opsLogger = newLogger(ops)
	diagLogger = newLogger(diag)
	traceLogger = newLogger(trace)
}

func newLogger(w io.Writer) *log.Logger {
	return log.New(w, "[pipeline] ", log.LstdFlags|log.Lmicroseconds)
}

func opsf(format string, v ...any)   { opsLogger.Printf(format, v...) }
func diagf(format string, v ...any)  { diagLogger.Printf(format, v...) }
func tracef(format string, v ...any) { traceLogger.Printf(format, v...) }
