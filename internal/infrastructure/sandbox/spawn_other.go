//go:build !unix

package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

type sandboxProcess struct{}

func (p *sandboxProcess) pid() int                 { return 0 }
func (p *sandboxProcess) kill()                    {}
func (p *sandboxProcess) stop(grace time.Duration) {}

func spawn(ctx context.Context, modulePath string, limits Limits) (*sandboxProcess, io.ReadWriteCloser, io.ReadWriteCloser, error) {
	return nil, nil, nil, errors.New("plugin sandboxing requires a unix platform")
}
