package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timenic/timenic-daemon/pkg/errs"
)

func TestExecRunner(t *testing.T) {
	r := ExecRunner{Timeout: 2 * time.Second}
	out, err := r.Run(context.Background(), "sh", "-c", "echo clock time is 12.5")
	require.NoError(t, err)
	assert.Equal(t, "clock time is 12.5\n", string(out))

	_, err = r.Run(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	assert.ErrorIs(t, err, errs.ErrInternal)
	assert.Contains(t, err.Error(), "boom")
}

func TestExecRunnerTimeout(t *testing.T) {
	r := ExecRunner{Timeout: 50 * time.Millisecond}
	_, err := r.Run(context.Background(), "sleep", "5")
	assert.ErrorIs(t, err, errs.ErrTimeout)
}

func TestBounded(t *testing.T) {
	err := Bounded(context.Background(), time.Second, func() error { return errs.ErrUnsupported })
	assert.ErrorIs(t, err, errs.ErrUnsupported)

	release := make(chan struct{})
	defer close(release)
	err = Bounded(context.Background(), 20*time.Millisecond, func() error {
		<-release
		return nil
	})
	assert.ErrorIs(t, err, errs.ErrTimeout)
}
