// Package platform answers the few host questions Popper cares about: which
// OS flavour it runs on and whether file watching can be trusted for a path.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Platform is a detected host flavour.
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWSL1    Platform = "wsl1"
	PlatformWSL2    Platform = "wsl2"
	PlatformWindows Platform = "windows"
	PlatformUnknown Platform = "unknown"
)

var (
	detectOnce sync.Once
	detected   Platform
)

// Detect returns the current platform. The result is computed once.
func Detect() Platform {
	detectOnce.Do(func() {
		detected = detect(runtime.GOOS, readFile)
	})
	return detected
}

// IsWSL reports whether Popper runs under either WSL generation.
func IsWSL() bool {
	p := Detect()
	return p == PlatformWSL1 || p == PlatformWSL2
}

// String returns a display name.
func (p Platform) String() string {
	switch p {
	case PlatformMacOS:
		return "macOS"
	case PlatformLinux:
		return "Linux"
	case PlatformWSL1:
		return "WSL1"
	case PlatformWSL2:
		return "WSL2"
	case PlatformWindows:
		return "Windows"
	default:
		return "Unknown"
	}
}

func readFile(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func detect(goos string, read func(string) (string, bool)) Platform {
	switch goos {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
	default:
		return PlatformUnknown
	}

	version, _ := read("/proc/version")
	inWSL := os.Getenv("WSL_DISTRO_NAME") != "" ||
		strings.Contains(strings.ToLower(version), "microsoft")
	if !inWSL {
		return PlatformLinux
	}

	// WSL2 kernels report "microsoft-standard"; WSL1 reports "Microsoft".
	switch {
	case strings.Contains(version, "microsoft-standard"):
		return PlatformWSL2
	case strings.Contains(version, "Microsoft"):
		return PlatformWSL1
	case exists("/run/WSL"), exists("/dev/vsock"):
		return PlatformWSL2
	}
	return PlatformWSL1
}

// WatchWarning returns a user-facing warning when path lives on a filesystem
// where fsnotify events are missing or unreliable, or "" when watching
// should work. Only Linux mounts are inspected.
func WatchWarning(path string) string {
	if runtime.GOOS != "linux" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	mounts, ok := readFile("/proc/mounts")
	if !ok {
		return ""
	}
	return watchWarning(abs, mounts)
}

// watchWarning picks the longest mount point containing abs out of a
// /proc/mounts listing and judges its filesystem type.
func watchWarning(abs, mounts string) string {
	var mountPoint, fsType string
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if !containsPath(fields[1], abs) || len(fields[1]) <= len(mountPoint) {
			continue
		}
		mountPoint, fsType = fields[1], fields[2]
	}

	const suffix = "; config edits need a restart to apply"
	switch {
	case fsType == "9p":
		return "config on a 9p mount (WSL2 Windows drive): file watching disabled" + suffix
	case fsType == "nfs" || fsType == "nfs4":
		return "config on an NFS mount: file watching may miss edits" + suffix
	case fsType == "cifs" || fsType == "smbfs":
		return "config on a CIFS/SMB mount: file watching may miss edits" + suffix
	case strings.HasPrefix(fsType, "fuse.sshfs"):
		return "config on an SSHFS mount: file watching disabled" + suffix
	}
	return ""
}

func containsPath(mountPoint, abs string) bool {
	if mountPoint == "/" || mountPoint == abs {
		return true
	}
	return strings.HasPrefix(abs, strings.TrimSuffix(mountPoint, "/")+"/")
}
