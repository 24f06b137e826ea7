package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	fbprotocol "github.com/facebook/time/ptp/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timenic/timenic-daemon/pkg/config"
	"github.com/timenic/timenic-daemon/pkg/controller"
	"github.com/timenic/timenic-daemon/pkg/device"
	"github.com/timenic/timenic-daemon/pkg/errs"
	"github.com/timenic/timenic-daemon/pkg/event"
	"github.com/timenic/timenic-daemon/pkg/network"
	"github.com/timenic/timenic-daemon/pkg/protocol"
)

type fakeCounters struct {
	mu    sync.Mutex
	bytes uint64
	fail  map[string]bool
}

func (f *fakeCounters) ReadCounters(iface string) (network.Counters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[iface] {
		return network.Counters{}, errs.ErrNotFound
	}
	f.bytes += 1000
	return network.Counters{RxBytes: f.bytes, TxBytes: f.bytes, RxPackets: f.bytes / 100}, nil
}

func (f *fakeCounters) Temperature(string) *float64 {
	t := 45.0
	return &t
}

type fakeSessions struct {
	views []controller.SessionView
	ptp4l map[string]string
}

func (f *fakeSessions) Sessions() []controller.SessionView { return f.views }
func (f *fakeSessions) PTP4LConfig(iface string) string   { return f.ptp4l[iface] }

type fakeDevices []device.Device

func (f fakeDevices) List() []device.Device { return f }

type fakePMC struct{ fail bool }

func (f fakePMC) PortStats(context.Context, string) (*protocol.PortStatsNP, error) {
	if f.fail {
		return nil, errors.New("pmc down")
	}
	return &protocol.PortStatsNP{
		PortIdentity: "00a0c9.fffe.000001-1",
		RX:           map[fbprotocol.MessageType]uint64{fbprotocol.MessageSync: 10},
		TX:           map[fbprotocol.MessageType]uint64{fbprotocol.MessageDelayReq: 4},
	}, nil
}

func (f fakePMC) PortDataSet(context.Context, string) (*protocol.PortDataSet, error) {
	return &protocol.PortDataSet{PortIdentity: "00a0c9.fffe.000001-1", PortState: "SLAVE"}, nil
}

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newPublisher(counters *fakeCounters, sessions *fakeSessions, bus *event.Bus, history int) *Publisher {
	clk := &stepClock{t: time.Unix(1000, 0)}
	return New(Options{
		Counters: counters,
		Sessions: sessions,
		Devices: fakeDevices{
			{Name: "enp3s0", PTPDevice: "/dev/ptp0"},
			{Name: "enp4s0", PTPDevice: "/dev/ptp1"},
		},
		PMC:    fakePMC{},
		Bus:    bus,
		Config: config.TelemetryConfig{HistoryLength: history},
		// sequential reads keep the fake clock deterministic
		MaxParallelReads: 1,
		Now:              clk.now,
	})
}

func TestHistoryIsBounded(t *testing.T) {
	p := newPublisher(&fakeCounters{}, &fakeSessions{}, nil, 3)
	for i := 0; i < 5; i++ {
		p.Tick(context.Background())
	}
	h := p.History("enp3s0")
	require.Len(t, h, 3)
	assert.True(t, h[0].Timestamp.Before(h[1].Timestamp))
	assert.True(t, h[1].Timestamp.Before(h[2].Timestamp))
	assert.Len(t, p.Latest(), 2)

	p.SetConfig(config.TelemetryConfig{HistoryLength: 2})
	h2 := p.History("enp3s0")
	require.Len(t, h2, 2)
	assert.Equal(t, h[2].Timestamp, h2[1].Timestamp)
}

func TestRates(t *testing.T) {
	p := newPublisher(&fakeCounters{}, &fakeSessions{}, nil, 10)
	first := p.Tick(context.Background())
	assert.Nil(t, first["enp3s0"].Rates)

	second := p.Tick(context.Background())
	r := second["enp3s0"].Rates
	require.NotNil(t, r)
	// two reads happen between consecutive samples of enp3s0, two seconds apart
	assert.Greater(t, r.RxBps, 0.0)
	assert.Equal(t, r.RxBps, r.TxBps)
}

func TestSyncAndPTPStatsAttached(t *testing.T) {
	at := time.Unix(1000, 0)
	sessions := &fakeSessions{
		views: []controller.SessionView{{
			Handle:       controller.Handle{ID: "a", Mode: controller.ModePHC2Sys, Source: "CLOCK_REALTIME", Target: "/dev/ptp0"},
			State:        controller.StateSynchronizing,
			OffsetNs:     12,
			RMSNs:        8,
			IsSynced:     true,
			LastSampleAt: &at,
		}},
		ptp4l: map[string]string{"enp3s0": "/var/run/timenic/ptp4l.0.config"},
	}
	p := newPublisher(&fakeCounters{}, sessions, nil, 10)
	out := p.Tick(context.Background())

	s := out["enp3s0"]
	require.NotNil(t, s.Sync)
	assert.Equal(t, 12.0, s.Sync.OffsetNs)
	assert.True(t, s.Sync.IsSynced)
	require.NotNil(t, s.PTP)
	assert.Equal(t, uint64(10), s.PTP.Sync)
	assert.Equal(t, uint64(4), s.PTP.DelayReq)
	require.NotNil(t, s.Port)
	assert.Equal(t, "SLAVE", s.Port.PortState)
	require.NotNil(t, s.Temperature)

	other := out["enp4s0"]
	assert.Nil(t, other.Sync)
	assert.Nil(t, other.PTP)
}

func TestFailedReadIsSkipped(t *testing.T) {
	p := newPublisher(&fakeCounters{fail: map[string]bool{"enp4s0": true}}, &fakeSessions{}, nil, 10)
	out := p.Tick(context.Background())
	assert.Contains(t, out, "enp3s0")
	assert.NotContains(t, out, "enp4s0")
	assert.Empty(t, p.History("enp4s0"))
}

func TestTickNeverWaitsOnSubscribers(t *testing.T) {
	bus := event.NewBus(1, 100)
	sub := bus.Subscribe()
	p := newPublisher(&fakeCounters{}, &fakeSessions{}, bus, 10)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			p.Tick(context.Background())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sampling blocked on a subscriber that never reads")
	}
	ev := <-sub.C()
	assert.Equal(t, event.MonitoringData, ev.Type)
	data, ok := ev.Data.(map[string]Snapshot)
	require.True(t, ok)
	assert.Len(t, data, 2)
}

func TestRunStopsWithContext(t *testing.T) {
	p := newPublisher(&fakeCounters{}, &fakeSessions{}, nil, 10)
	p.SetConfig(config.TelemetryConfig{IntervalSeconds: 0.01, HistoryLength: 10})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	assert.Eventually(t, func() bool { return len(p.History("enp3s0")) >= 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
