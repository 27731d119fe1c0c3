//go:build !windows
// +build !windows

package rawterm

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyResize delivers SIGWINCH to ch until the returned func is called.
func notifyResize(ch chan os.Signal) func() {
	signal.Notify(ch, syscall.SIGWINCH)
	return func() { signal.Stop(ch) }
}
