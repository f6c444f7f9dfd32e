package bleu

import (
	"fmt"
	"runtime/debug"

	"github.com/op/go-logging"
)

// recoverToLog runs f, and if it panics, logs the panic and stack instead
// of taking the whole runtime down with it. Used around the ActorSystem's
// link event pump and around each inbound packet's handling (which includes
// handler invocation), so one misbehaving actor method can't kill the
// process hosting unrelated actors. The reassembly sweep and ack-sending
// goroutines are not wrapped.
func recoverToLog(log *logging.Logger, f func()) {
	defer func() {
		if x := recover(); x != nil {
			if log != nil {
				log.Error(fmt.Sprintf("run time panic: %v", x))
				log.Error(string(debug.Stack()))
			}
		}
	}()
	f()
}
