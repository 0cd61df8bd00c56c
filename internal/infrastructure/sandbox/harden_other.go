//go:build !linux

package sandbox

import (
	"os"
)

// harden on non-Linux platforms only scrubs the environment and working
// directory; resource limits and network isolation are Linux features.
func harden(limits Limits) error {
	os.Clearenv()
	os.Setenv("PATH", "/usr/bin:/bin")
	if dir := os.TempDir(); dir != "" {
		_ = os.Chdir(dir)
	}
	return nil
}
