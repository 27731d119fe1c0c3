package ptyhost

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ResolveProgram returns the first candidate that can be executed. Entries
// containing a path separator must exist on disk; bare names are looked up
// in $PATH. A leading "~/" expands to the home directory. The error lists
// every candidate tried.
func ResolveProgram(candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("shell program not configured")
	}

	tried := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		cand = expandHome(strings.TrimSpace(cand))
		if cand == "" {
			continue
		}
		tried = append(tried, cand)

		if strings.ContainsRune(cand, filepath.Separator) {
			if isExecutable(cand) {
				return cand, nil
			}
			continue
		}
		if path, err := exec.LookPath(cand); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("shell program not found. Tried: %s", strings.Join(tried, ", "))
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
