package pmc

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/golang/glog"
)

// quitWait bounds how long a pmc child gets to exit after SIGTERM.
var quitWait = cmdTimeout / 4

// spawned is the part of a goexpect session the closer needs.
type spawned interface {
	SendSignal(sig os.Signal) error
	Send(in string) error
	Close() error
}

// closeSession asks pmc to quit and waits for it, up to wait or until ctx
// ends. A pmc that ignores SIGTERM gets a ^C on its terminal before the
// session is closed.
func closeSession(ctx context.Context, e spawned, done <-chan error, wait time.Duration) {
	if err := e.SendSignal(syscall.SIGTERM); err != nil {
		glog.V(2).Infof("pmc sigterm: %v", err)
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		glog.V(2).Info("pmc did not exit on SIGTERM")
		_ = e.Send("\x03")
	case <-ctx.Done():
		_ = e.Send("\x03")
	}
	if err := e.Close(); err != nil {
		glog.V(2).Infof("pmc close: %v", err)
	}
}
