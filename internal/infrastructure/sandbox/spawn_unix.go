//go:build unix

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"
)

type sandboxProcess struct {
	cmd    *exec.Cmd
	waitCh chan error
}

func (p *sandboxProcess) pid() int {
	return p.cmd.Process.Pid
}

func (p *sandboxProcess) kill() {
	_ = p.cmd.Process.Kill()
	<-p.waitCh
}

// stop waits up to grace for a voluntary exit, then kills.
func (p *sandboxProcess) stop(grace time.Duration) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.waitCh:
	case <-timer.C:
		_ = p.cmd.Process.Kill()
		<-p.waitCh
	}
}

// spawn re-executes the current binary as a sandbox child with the config
// pipe and both channel endpoints attached, and hands back the parent ends.
func spawn(ctx context.Context, modulePath string, limits Limits) (*sandboxProcess, io.ReadWriteCloser, io.ReadWriteCloser, error) {
	cfgR, cfgW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config pipe: %w", err)
	}

	cmdParent, cmdChild, err := socketPair()
	if err != nil {
		cfgR.Close()
		cfgW.Close()
		return nil, nil, nil, err
	}
	capParent, capChild, err := socketPair()
	if err != nil {
		cfgR.Close()
		cfgW.Close()
		cmdParent.Close()
		cmdChild.Close()
		return nil, nil, nil, err
	}

	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}

	cmd := exec.CommandContext(ctx, exe)
	cmd.Env = []string{fmt.Sprintf("%s=%d", sandboxEnvKey, configFD)}
	cmd.ExtraFiles = []*os.File{cfgR, cmdChild, capChild}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		cfgR.Close()
		cfgW.Close()
		cmdParent.Close()
		cmdChild.Close()
		capParent.Close()
		capChild.Close()
		return nil, nil, nil, fmt.Errorf("start sandbox: %w", err)
	}

	// Child ends are duplicated into the child; the parent's copies must
	// close so EOF propagates when the child dies.
	cfgR.Close()
	cmdChild.Close()
	capChild.Close()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()
	proc := &sandboxProcess{cmd: cmd, waitCh: waitCh}

	if err := json.NewEncoder(cfgW).Encode(launchConfig{ModulePath: modulePath, Limits: limits}); err != nil {
		cfgW.Close()
		cmdParent.Close()
		capParent.Close()
		proc.kill()
		return nil, nil, nil, fmt.Errorf("write launch config: %w", err)
	}
	cfgW.Close()

	return proc, cmdParent, capParent, nil
}

// socketPair returns both ends of a connected stream socket pair as files.
func socketPair() (*os.File, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "sandbox-parent"), os.NewFile(uintptr(fds[1]), "sandbox-child"), nil
}
