// Package telemetry samples interface counters, PTP message statistics and
// sync metrics at a fixed cadence and broadcasts the snapshots.
package telemetry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/semaphore"

	"github.com/timenic/timenic-daemon/pkg/config"
	"github.com/timenic/timenic-daemon/pkg/controller"
	"github.com/timenic/timenic-daemon/pkg/device"
	"github.com/timenic/timenic-daemon/pkg/event"
	"github.com/timenic/timenic-daemon/pkg/metrics"
	"github.com/timenic/timenic-daemon/pkg/network"
	"github.com/timenic/timenic-daemon/pkg/pmc"
	"github.com/timenic/timenic-daemon/pkg/utils"
)

// CounterReader reads the per-interface hardware values.
type CounterReader interface {
	ReadCounters(iface string) (network.Counters, error)
	Temperature(iface string) *float64
}

// SessionSource is the read side of the synchronization controller.
type SessionSource interface {
	Sessions() []controller.SessionView
	PTP4LConfig(iface string) string
}

// DeviceSource lists the adapters to sample.
type DeviceSource interface {
	List() []device.Device
}

// Options configure a Publisher.
type Options struct {
	Counters CounterReader
	Sessions SessionSource
	Devices  DeviceSource
	PMC      pmc.Client
	Bus      *event.Bus
	Config   config.TelemetryConfig
	// ReadTimeout bounds each hardware read.
	ReadTimeout time.Duration
	// MaxParallelReads bounds concurrent reads within one tick.
	MaxParallelReads int64
	Now              func() time.Time
}

// Publisher owns the sampling loop and the per-interface history.
type Publisher struct {
	counters    CounterReader
	sessions    SessionSource
	devices     DeviceSource
	pmc         pmc.Client
	bus         *event.Bus
	readTimeout time.Duration
	sem         *semaphore.Weighted
	now         func() time.Time

	mu      sync.RWMutex
	cfg     config.TelemetryConfig
	history map[string]*ring
	reset   chan struct{}
}

// New builds a publisher. Zero options select the package defaults.
func New(o Options) *Publisher {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = config.DefaultHardwareTimeout
	}
	if o.MaxParallelReads <= 0 {
		o.MaxParallelReads = config.DefaultMaxParallelReads
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	p := &Publisher{
		counters:    o.Counters,
		sessions:    o.Sessions,
		devices:     o.Devices,
		pmc:         o.PMC,
		bus:         o.Bus,
		readTimeout: o.ReadTimeout,
		sem:         semaphore.NewWeighted(o.MaxParallelReads),
		now:         o.Now,
		history:     map[string]*ring{},
		reset:       make(chan struct{}, 1),
	}
	p.cfg = normalize(o.Config)
	return p
}

func normalize(cfg config.TelemetryConfig) config.TelemetryConfig {
	if cfg.Interval() <= 0 {
		cfg.IntervalSeconds = config.DefaultSampleInterval.Seconds()
	}
	if cfg.HistoryLength <= 0 {
		cfg.HistoryLength = config.DefaultHistoryLength
	}
	return cfg
}

// SetConfig applies a new sampling config. A changed interval takes effect
// on the next tick.
func (p *Publisher) SetConfig(cfg config.TelemetryConfig) {
	cfg = normalize(cfg)
	p.mu.Lock()
	old := p.cfg
	p.cfg = cfg
	if cfg.HistoryLength != old.HistoryLength {
		for iface, r := range p.history {
			p.history[iface] = r.resize(cfg.HistoryLength)
		}
	}
	p.mu.Unlock()
	if cfg.Interval() != old.Interval() {
		select {
		case p.reset <- struct{}{}:
		default:
		}
	}
}

func (p *Publisher) config() config.TelemetryConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Run samples until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config().Interval())
	defer ticker.Stop()
	glog.Infof("telemetry sampling every %s", p.config().Interval())
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.reset:
			ticker.Reset(p.config().Interval())
			glog.Infof("telemetry sampling every %s", p.config().Interval())
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick takes one sample of every monitored interface, records it and
// broadcasts it. Interfaces whose read failed are left out.
func (p *Publisher) Tick(ctx context.Context) map[string]Snapshot {
	cfg := p.config()
	ifaces := p.interfaces(cfg)
	sessions := p.sessions.Sessions()
	phcs := p.phcByInterface()

	var wg sync.WaitGroup
	var mu sync.Mutex
	out := make(map[string]Snapshot, len(ifaces))
	for _, iface := range ifaces {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(iface string) {
			defer wg.Done()
			defer p.sem.Release(1)
			snap, err := p.sample(ctx, iface)
			if err != nil {
				glog.Warningf("telemetry %s: %v", iface, err)
				return
			}
			snap.Sync = syncFor(sessions, iface, phcs[iface])
			mu.Lock()
			out[iface] = snap
			mu.Unlock()
		}(iface)
	}
	wg.Wait()

	p.mu.Lock()
	for iface, snap := range out {
		r, ok := p.history[iface]
		if !ok {
			r = newRing(p.cfg.HistoryLength)
			p.history[iface] = r
		}
		if prev, ok := r.last(); ok {
			snap.Rates = rateBetween(prev, snap)
		}
		r.push(snap)
		out[iface] = snap
	}
	p.mu.Unlock()

	for iface, snap := range out {
		var rates map[string]float64
		if snap.Rates != nil {
			rates = snap.Rates.Map()
		}
		metrics.UpdateInterfaceMetrics(iface, snap.Counters.Map(), rates, snap.Temperature)
		if snap.PTP != nil {
			metrics.UpdatePTPMessageMetrics(iface, "rx", snap.PTP.RX)
			metrics.UpdatePTPMessageMetrics(iface, "tx", snap.PTP.TX)
		}
	}
	if p.bus != nil && len(out) > 0 {
		p.bus.Publish(event.New(event.MonitoringData, out))
	}
	return out
}

func (p *Publisher) interfaces(cfg config.TelemetryConfig) []string {
	if len(cfg.Interfaces) > 0 {
		return cfg.Interfaces
	}
	var names []string
	for _, d := range p.devices.List() {
		names = append(names, d.Name)
	}
	return names
}

func (p *Publisher) phcByInterface() map[string]string {
	phcs := map[string]string{}
	for _, d := range p.devices.List() {
		if d.PTPDevice != "" {
			phcs[d.Name] = d.PTPDevice
		}
	}
	return phcs
}

// syncFor picks the metrics of the session disciplining this interface's
// clock, or failing that one that uses it as source.
func syncFor(sessions []controller.SessionView, iface, phc string) *controller.SyncMetrics {
	var fallback *controller.SyncMetrics
	for _, v := range sessions {
		if v.Target == phc || v.Interface == iface {
			if m := v.Metrics(); m != nil {
				return m
			}
		}
		if fallback == nil && phc != "" && v.Source == phc {
			fallback = v.Metrics()
		}
	}
	return fallback
}

func (p *Publisher) sample(ctx context.Context, iface string) (Snapshot, error) {
	snap := Snapshot{Interface: iface, Timestamp: p.now()}
	err := utils.Bounded(ctx, p.readTimeout, func() error {
		c, err := p.counters.ReadCounters(iface)
		if err != nil {
			return err
		}
		snap.Counters = c
		snap.Temperature = p.counters.Temperature(iface)
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading counters: %w", err)
	}
	if cfgFile := p.sessions.PTP4LConfig(iface); cfgFile != "" && p.pmc != nil {
		p.ptpStats(ctx, cfgFile, &snap)
	}
	return snap, nil
}

// ptpStats attaches PORT_STATS_NP and PORT_DATA_SET. Failures only cost the
// PTP section of this sample.
func (p *Publisher) ptpStats(ctx context.Context, cfgFile string, snap *Snapshot) {
	ctx, cancel := context.WithTimeout(ctx, p.readTimeout)
	defer cancel()
	if stats, err := p.pmc.PortStats(ctx, cfgFile); err == nil {
		snap.PTP = pmc.NewStats(stats)
	} else {
		glog.V(2).Infof("%s: PORT_STATS_NP: %v", snap.Interface, err)
	}
	if ds, err := p.pmc.PortDataSet(ctx, cfgFile); err == nil {
		snap.Port = pmc.NewPortStatus(ds)
	} else {
		glog.V(2).Infof("%s: PORT_DATA_SET: %v", snap.Interface, err)
	}
}

// History returns the recorded snapshots of iface, oldest first.
func (p *Publisher) History(iface string) []Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if r, ok := p.history[iface]; ok {
		return r.list()
	}
	return nil
}

// Latest returns the newest snapshot of every interface.
func (p *Publisher) Latest() []Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Snapshot, 0, len(p.history))
	for _, r := range p.history {
		if s, ok := r.last(); ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interface < out[j].Interface })
	return out
}
