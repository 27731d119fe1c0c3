//go:build windows
// +build windows

package main

// notifyDump is a no-op: there is no SIGUSR1 on Windows.
func notifyDump(func()) func() {
	return func() {}
}
