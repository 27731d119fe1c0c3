//go:build windows
// +build windows

package rawterm

import "os"

// notifyResize is a no-op: Windows consoles have no resize signal.
func notifyResize(chan os.Signal) func() {
	return func() {}
}
