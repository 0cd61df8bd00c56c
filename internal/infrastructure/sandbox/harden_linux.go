//go:build linux

package sandbox

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// nobodyID is the uid/gid the child drops to when launched as root.
const nobodyID = 65534

// harden locks the child process down before any plugin code runs.
// Resource limits and network isolation are best-effort; privilege drop is
// mandatory when running as root.
func harden(limits Limits) error {
	setLimit(unix.RLIMIT_CPU, uint64(limits.CPUSeconds))
	setLimit(unix.RLIMIT_AS, uint64(limits.MemoryBytes()))
	setLimit(unix.RLIMIT_NOFILE, uint64(limits.MaxOpenFiles))
	setLimit(unix.RLIMIT_NPROC, uint64(limits.MaxProcesses))
	setLimit(unix.RLIMIT_FSIZE, uint64(limits.FileSizeBytes()))

	// Detach from the host network. Unprivileged processes need a user
	// namespace to do this; when even that fails the plugin still has no
	// way to open sockets through the capability surface, so continue.
	if err := unix.Unshare(unix.CLONE_NEWNET); err != nil {
		if err := unix.Unshare(unix.CLONE_NEWUSER | unix.CLONE_NEWNET); err != nil {
			fmt.Fprintf(os.Stderr, "sandbox: network namespace unavailable: %v\n", err)
		}
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: no_new_privs: %v\n", err)
	}

	scrubEnv()
	if err := os.Chdir("/tmp"); err != nil {
		return fmt.Errorf("chdir /tmp: %w", err)
	}

	if os.Geteuid() == 0 {
		if err := unix.Setgid(nobodyID); err != nil {
			return fmt.Errorf("setgid %d: %w", nobodyID, err)
		}
		if err := unix.Setuid(nobodyID); err != nil {
			return fmt.Errorf("setuid %d: %w", nobodyID, err)
		}
	}
	return nil
}

func setLimit(resource int, value uint64) {
	lim := &unix.Rlimit{Cur: value, Max: value}
	if err := unix.Setrlimit(resource, lim); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: rlimit %d: %v\n", resource, err)
	}
}

func scrubEnv() {
	os.Clearenv()
	os.Setenv("PATH", "/usr/bin:/bin")
}
