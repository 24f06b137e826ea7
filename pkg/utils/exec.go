package utils

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/timenic/timenic-daemon/pkg/errs"
)

// Runner runs a short-lived helper such as phc_ctl or ethtool and returns its
// combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the host, each bounded by Timeout.
type ExecRunner struct {
	Timeout time.Duration
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	glog.V(2).Infof("exec %s %s", name, strings.Join(args, " "))
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, fmt.Errorf("%s did not finish: %w", name, errs.ErrTimeout)
	}
	if err != nil {
		return out, fmt.Errorf("%s %s: %v: %s: %w", name, strings.Join(args, " "), err,
			strings.TrimSpace(string(out)), errs.ErrInternal)
	}
	return out, nil
}

// Bounded runs fn and gives up after timeout or when ctx ends, returning a
// Timeout error. fn keeps running in the background in that case; it must
// not touch state the caller reuses.
func Bounded(ctx context.Context, timeout time.Duration, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%v: %w", ctx.Err(), errs.ErrTimeout)
	}
}
