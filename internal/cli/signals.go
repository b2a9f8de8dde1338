package cli

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyShutdown invokes onSignal when SIGINT or SIGTERM arrives. The
// returned stop function unregisters the handler. A second signal kills
// the process immediately.
func notifyShutdown(onSignal func()) (stop func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
			onSignal()
		case <-done:
			return
		}
		select {
		case <-ch:
			os.Exit(ExitFailed)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
