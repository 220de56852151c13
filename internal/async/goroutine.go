package async

import (
	"fmt"
	"runtime/debug"
)

// PanicLogger captures panic reports from background goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn in a goroutine guarded by panic recovery. Used for MCP server
// startup (Registry.Initialize's per-server handshake): once control has
// returned to the caller via the enclosing WaitGroup, a panicking handshake
// has nowhere left to propagate to except the log.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process. It must be
// deferred directly - deferring a closure that calls Recover defeats
// recover(), which only takes effect when invoked by the function that was
// itself passed to defer.
func Recover(logger PanicLogger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverInto behaves like Recover but also turns the panic into an error
// and stores it through errPtr, for a worker whose caller needs the failure
// reported as its own result (e.g. one server's slot in an aggregated
// resources/list) rather than only swallowed into the log. Subject to the
// same direct-defer constraint as Recover.
func RecoverInto(logger PanicLogger, name string, errPtr *error) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if errPtr != nil {
			*errPtr = fmt.Errorf("panic: %v", r)
		}
	}
}

func logPanic(logger PanicLogger, name string, r any) {
	if logger == nil {
		return
	}
	if name == "" {
		logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
		return
	}
	logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
}
