package pmc

import (
	"context"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeSession struct {
	mu      sync.Mutex
	signals []os.Signal
	sent    []string
	closed  bool
}

func (f *fakeSession) SendSignal(sig os.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	return nil
}

func (f *fakeSession) Send(in string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestCloseSessionExited(t *testing.T) {
	f := &fakeSession{}
	done := make(chan error, 1)
	done <- nil
	closeSession(context.Background(), f, done, time.Second)
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, f.signals)
	assert.Empty(t, f.sent)
	assert.True(t, f.closed)
}

func TestCloseSessionInterruptsStuckPMC(t *testing.T) {
	f := &fakeSession{}
	start := time.Now()
	closeSession(context.Background(), f, make(chan error), 20*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, []string{"\x03"}, f.sent)
	assert.True(t, f.closed)
}

func TestCloseSessionFollowsContext(t *testing.T) {
	f := &fakeSession{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	closeSession(ctx, f, make(chan error), time.Minute)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"\x03"}, f.sent)
	assert.True(t, f.closed)
}
