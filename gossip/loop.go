package gossip

import (
	"bytes"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/DataDog/gostackparse"
)

// runLoop invokes fn every interval until stop closes. A panicking tick
// is logged and swallowed so the next tick retries from a clean state.
func runLoop(name string, interval time.Duration, stop <-chan struct{}, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			protect(name, fn)
		}
	}
}

func protect(name string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			slog.Error(
				"[GOSSIP] recovered panic in background loop",
				"loop", name,
				"reason", v,
				"stacktrace", string(cleanTrace(debug.Stack())),
			)
		}
	}()
	fn()
}

func cleanTrace(stack []byte) []byte {
	goroutines, err := gostackparse.Parse(bytes.NewReader(stack))
	if err != nil {
		slog.Error("failed to parse stack trace")
		return stack
	}
	if len(goroutines) != 1 {
		slog.Error("expected only one goroutine", "goroutines", len(goroutines))
		return stack
	}
	// Skip the first frames.
	goroutines[0].Stack = goroutines[0].Stack[4:]
	buf := bytes.NewBuffer(nil)
	_, _ = fmt.Fprintf(buf, "goroutine %d [%s]\n", goroutines[0].ID, goroutines[0].State)
	for _, frame := range goroutines[0].Stack {
		_, _ = fmt.Fprintf(buf, "%s\n", frame.Func)
		_, _ = fmt.Fprintf(buf, "\t%s:%d\n", frame.File, frame.Line)
	}
	return buf.Bytes()
}
