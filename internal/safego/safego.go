package safego

import (
	"context"
	"log"
	"runtime/debug"
	"runtime/pprof"
)

// Go runs fn on a new goroutine labelled with name. A panic is written to logger with
// its stack before being re-raised: the terminal UI swallows stderr, so the log file is
// the only place a crash would otherwise leave a trace.
func Go(logger *log.Logger, name string, fn func()) {
	if logger == nil {
		panic("safego: logger cannot be nil")
	}
	go pprof.Do(context.Background(), pprof.Labels("goroutine_name", name), func(context.Context) {
		if r := guard(logger, name, fn); r != nil {
			panic(r)
		}
	})
}

// guard runs fn and returns the recovered panic value, if any, after logging it
func guard(logger *log.Logger, name string, fn func()) (recovered any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("PANIC in %s: %v\n%s", name, r, debug.Stack())
			recovered = r
		}
	}()
	fn()
	return nil
}
