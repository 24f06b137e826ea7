// Package controller runs clock synchronization sessions: it binds a
// (source, target) clock pair, supervises the linuxptp daemons doing the
// work and feeds their offsets through the servo.
package controller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/timenic/timenic-daemon/pkg/config"
	"github.com/timenic/timenic-daemon/pkg/daemon"
	"github.com/timenic/timenic-daemon/pkg/errs"
	"github.com/timenic/timenic-daemon/pkg/features"
	"github.com/timenic/timenic-daemon/pkg/logfilter"
	"github.com/timenic/timenic-daemon/pkg/metrics"
	"github.com/timenic/timenic-daemon/pkg/parser"
	"github.com/timenic/timenic-daemon/pkg/parser/constants"
	"github.com/timenic/timenic-daemon/pkg/utils"
)

// TAIOffsetter returns TAI-UTC at a given time, see pkg/leap.
type TAIOffsetter interface {
	UTCOffset(t time.Time) int
}

type fixedTAI int

func (f fixedTAI) UTCOffset(time.Time) int { return int(f) }

// Options configure a Controller. Zero values fall back to the package
// defaults of pkg/config.
type Options struct {
	Launcher daemon.Launcher
	// Runner runs one-shot tools such as phc_ctl.
	Runner utils.Runner
	TAI    TAIOffsetter
	Servo  config.ServoConfig
	// RunDir receives the rendered daemon configs.
	RunDir      string
	LeapFile    string
	LogReduce   logfilter.Mode
	StopTimeout time.Duration
	Now         func() time.Time
	// Notify is called after every state change and sync flag flip.
	Notify func(SessionView)
	// Sampled is called with the view produced by every ingested offset.
	Sampled func(SessionView)
}

// Controller owns every synchronization session.
type Controller struct {
	launcher    daemon.Launcher
	runner      utils.Runner
	tai         TAIOffsetter
	runDir      string
	leapFile    string
	logReduce   logfilter.Mode
	stopTimeout time.Duration
	now         func() time.Time
	notify      func(SessionView)
	sampled     func(SessionView)

	servoMu  sync.RWMutex
	servoCfg config.ServoConfig

	mu        sync.Mutex
	sessions  map[string]*session
	bound     map[string]string // clock -> session id
	configIdx map[string]int

	// list is the copy-on-write session slice read by the query path.
	list       atomic.Pointer[[]*session]
	generation atomic.Uint64
}

// New builds a Controller.
func New(o Options) *Controller {
	c := &Controller{
		launcher:    o.Launcher,
		runner:      o.Runner,
		tai:         o.TAI,
		runDir:      o.RunDir,
		leapFile:    o.LeapFile,
		logReduce:   o.LogReduce,
		stopTimeout: o.StopTimeout,
		now:         o.Now,
		notify:      o.Notify,
		sampled:     o.Sampled,
		servoCfg:    o.Servo,
		sessions:    map[string]*session{},
		bound:       map[string]string{},
		configIdx:   map[string]int{},
	}
	if c.launcher == nil {
		c.launcher = daemon.ExecLauncher{StopTimeout: o.StopTimeout}
	}
	if c.runner == nil {
		c.runner = utils.ExecRunner{Timeout: config.DefaultHardwareTimeout}
	}
	if c.tai == nil {
		c.tai = fixedTAI(config.DefaultTAIOffset)
	}
	if c.runDir == "" {
		c.runDir = config.DefaultRunDir
	}
	if c.stopTimeout <= 0 {
		c.stopTimeout = config.DefaultStopTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.servoCfg.RMSWindow == 0 {
		c.servoCfg = config.Default().Servo
	}
	c.list.Store(&[]*session{})
	return c
}

// SetServoConfig changes the coefficients used by sessions started later.
func (c *Controller) SetServoConfig(cfg config.ServoConfig) {
	c.servoMu.Lock()
	c.servoCfg = cfg
	c.servoMu.Unlock()
}

// ServoConfig returns the coefficients new sessions start with.
func (c *Controller) ServoConfig() config.ServoConfig {
	c.servoMu.RLock()
	defer c.servoMu.RUnlock()
	return c.servoCfg
}

// SetLogReduce changes the log reduction of daemons started later.
func (c *Controller) SetLogReduce(mode logfilter.Mode) {
	c.mu.Lock()
	c.logReduce = mode
	c.mu.Unlock()
}

// bindKeys are the clocks a session locks. The generic pulse source is not
// a clock and is never locked.
func bindKeys(source, target string) []string {
	if source == daemon.TS2PHCSourceGeneric {
		return []string{target}
	}
	return []string{source, target}
}

// Start binds (source, target) and launches the daemons for cfg.Mode. It
// returns once the daemons run; their exit is observed asynchronously.
func (c *Controller) Start(ctx context.Context, source, target string, cfg SessionConfig) (Handle, error) {
	if err := validateConfig(source, target, cfg); err != nil {
		return Handle{}, err
	}
	servoCfg := c.ServoConfig()
	if cfg.Servo != nil {
		servoCfg = *cfg.Servo
	}

	c.mu.Lock()
	keys := bindKeys(source, target)
	for _, clk := range keys {
		if id, ok := c.bound[clk]; ok {
			c.mu.Unlock()
			return Handle{}, fmt.Errorf("%s is in use by session %s: %w", clk, id, errs.ErrConflict)
		}
	}
	c.dropFailedLocked(keys)
	h := Handle{
		ID:         uuid.NewString(),
		Mode:       cfg.Mode,
		Source:     source,
		Target:     target,
		Generation: c.generation.Add(1),
	}
	s := newSession(h, cfg, servoCfg, c.now())
	c.sessions[h.ID] = s
	for _, clk := range keys {
		c.bound[clk] = h.ID
	}
	c.refreshListLocked()
	reduce := c.logReduce
	c.mu.Unlock()
	c.transitioned(s.view.Load())

	glog.Infof("starting session %s (%s)", h, h.ID)
	procs, ptp4lConfig, err := c.launch(ctx, s, reduce)
	if err != nil {
		glog.Errorf("session %s failed to start: %v", h, err)
		c.teardown(s, procs)
		return Handle{}, err
	}

	s.mu.Lock()
	switch s.state {
	case StateStopping:
		s.mu.Unlock()
		glog.Infof("session %s stopped while starting", h)
		c.teardown(s, procs)
		return Handle{}, fmt.Errorf("session %s stopped while starting: %w", h, errs.ErrConflict)
	case StateFailed:
		reason := s.failure
		s.mu.Unlock()
		c.teardown(s, procs)
		return Handle{}, fmt.Errorf("session %s: %s: %w", h, reason, errs.ErrInternal)
	}
	s.processes = procs
	s.ptp4lConfig = ptp4lConfig
	for _, p := range procs {
		s.daemons.set(p.Name(), true)
	}
	s.state = StateSynchronizing
	v := s.publishLocked()
	s.mu.Unlock()

	for _, p := range procs {
		go c.watch(s, p)
	}
	c.transitioned(v)
	return h, nil
}

// launch starts the daemons of a session. The processes started before an
// error are returned so the caller can stop them.
func (c *Controller) launch(ctx context.Context, s *session, reduce logfilter.Mode) ([]daemon.Process, string, error) {
	h, cfg := s.handle, s.cfg
	var procs []daemon.Process
	var ptp4lConfig string

	if cfg.Interface != "" {
		name := c.nextConfigName(constants.PTP4L)
		path, err := daemon.PTP4LConfig{
			ConfigName: name,
			Interface:  cfg.Interface,
			SocketPath: filepath.Join(c.runDir, strings.TrimSuffix(name, ".config")+".socket"),
		}.Render(c.runDir)
		if err != nil {
			return procs, "", err
		}
		p, err := c.launcher.Launch(ctx, daemon.PTP4LCommand(path, cfg.Interface, name, reduce), nil)
		if err != nil {
			return procs, "", err
		}
		procs = append(procs, p)
		ptp4lConfig = path
	}

	var cmd daemon.Command
	switch cfg.Mode {
	case ModePHC2Sys:
		cmd = daemon.PHC2SysCommand(h.Source, h.Target, c.nextConfigName(constants.PHC2SYS), s.servoCfg.KP, s.servoCfg.KI, reduce)
	case ModeTS2PHC:
		if features.Flags.Version != "" && !features.Flags.TS2PHCPHCSource {
			return procs, ptp4lConfig, fmt.Errorf("ts2phc %s cannot take a PHC source: %w", features.Flags.Version, errs.ErrUnsupported)
		}
		var err error
		if cmd, err = c.ts2phcCommand(h, cfg, s.servoCfg, reduce); err != nil {
			return procs, ptp4lConfig, err
		}
	case ModePPS:
		if err := c.alignTarget(ctx, h.Target); err != nil {
			return procs, ptp4lConfig, err
		}
		var err error
		if cmd, err = c.ts2phcCommand(h, cfg, s.servoCfg, reduce); err != nil {
			return procs, ptp4lConfig, err
		}
	}
	p, err := c.launcher.Launch(ctx, cmd, c.lineHandler(s))
	if err != nil {
		return procs, ptp4lConfig, err
	}
	return append(procs, p), ptp4lConfig, nil
}

func (c *Controller) ts2phcCommand(h Handle, cfg SessionConfig, servoCfg config.ServoConfig, reduce logfilter.Mode) (daemon.Command, error) {
	name := c.nextConfigName(constants.TS2PHC)
	path, err := daemon.TS2PHCConfig{
		ConfigName:      name,
		Target:          h.Target,
		PinIndex:        cfg.PinIndex,
		Source:          h.Source,
		SourcePinIndex:  cfg.SourcePinIndex,
		LeapFile:        c.leapFile,
		KP:              servoCfg.KP,
		KI:              servoCfg.KI,
		HoldoverSeconds: servoCfg.HoldoverSeconds,
	}.Render(c.runDir)
	if err != nil {
		return daemon.Command{}, err
	}
	return daemon.TS2PHCCommand(path, name, h.Source, reduce), nil
}

// alignTarget steps the target PHC to system time plus TAI-UTC so ts2phc
// only has to slew the sub-second part.
func (c *Controller) alignTarget(ctx context.Context, target string) error {
	tai := c.tai.UTCOffset(c.now())
	out, err := c.runner.Run(ctx, constants.PHCCTL, daemon.PHCCtlAlignArgs(target, tai)...)
	if err != nil {
		return fmt.Errorf("aligning %s to TAI: %w", target, err)
	}
	glog.Infof("aligned %s to system time + %ds: %s", target, tai, strings.TrimSpace(string(out)))
	return nil
}

func (c *Controller) nextConfigName(tool string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.configIdx[tool]
	c.configIdx[tool] = idx + 1
	return daemon.ConfigName(tool, idx)
}

// lineHandler feeds the offsets the primary daemon logs for the target
// clock into the session servo.
func (c *Controller) lineHandler(s *session) daemon.LineHandler {
	primary := primaryProcess(s.handle.Mode)
	return func(m *parser.Metrics, _ *parser.PTPEvent) {
		if m == nil || m.Summary || m.Process != primary || m.Clock != s.handle.Target {
			return
		}
		c.ingest(s, m.Offset, m.FreqAdj)
	}
}

func (c *Controller) ingest(s *session, offsetNs, appliedFreq float64) {
	s.mu.Lock()
	if s.state != StateStarting && s.state != StateSynchronizing {
		s.mu.Unlock()
		return
	}
	now := c.now()
	wasSynced := s.servo.Last().IsSynced
	est := s.servo.Sample(offsetNs, true, now)
	s.lastSample = now
	s.appliedFreq = appliedFreq
	v := s.publishLocked()
	// readers keyed on the generation must see the new sample
	c.generation.Add(1)
	s.mu.Unlock()

	if glog.V(2) {
		glog.Infof("session %s offset %.0f freq %.1f rms %.1f synced %t", s.handle, est.OffsetNs, appliedFreq, est.RMSNs, est.IsSynced)
	}
	c.exportMetrics(v)
	if c.sampled != nil {
		c.sampled(*v)
	}
	if est.IsSynced != wasSynced {
		glog.Infof("session %s synced: %t", s.handle, est.IsSynced)
		c.notifyView(v)
	}
}

// watch waits for p to exit. An exit nobody asked for fails the session:
// the other daemons are stopped and the clock pair is released, the Failed
// record stays until Stop.
func (c *Controller) watch(s *session, p daemon.Process) {
	<-p.Done()
	s.mu.Lock()
	s.daemons.set(p.Name(), false)
	if p.Stopped() || (s.state != StateStarting && s.state != StateSynchronizing) {
		s.publishLocked()
		c.generation.Add(1)
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.failure = fmt.Sprintf("%s exited: %v", p.Name(), p.Err())
	s.servo.DaemonDown()
	others := s.processes
	v := s.publishLocked()
	c.generation.Add(1)
	s.mu.Unlock()

	glog.Errorf("session %s failed: %s", s.handle, v.Failure)
	metrics.SessionFailures.WithLabelValues(string(s.handle.Mode)).Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 2*c.stopTimeout)
	defer cancel()
	if err := stopProcesses(ctx, others); err != nil {
		glog.Errorf("session %s: stopping remaining daemons: %v", s.handle, err)
	}
	c.mu.Lock()
	c.unbindLocked(s)
	c.mu.Unlock()

	// a Stop that ran meanwhile already reported Idle
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateFailed {
		return
	}
	c.transitioned(v)
}

// Stop ends the session behind h and releases its clock pair. Stopping an
// unknown or already stopped session is a no-op. A session still starting
// is torn down by its Start call; Stop waits for that.
func (c *Controller) Stop(ctx context.Context, h Handle) error {
	s := c.lookup(h.ID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.mu.Unlock()
		return nil
	case StateStarting:
		s.state = StateStopping
		v := s.publishLocked()
		s.mu.Unlock()
		c.transitioned(v)
		return c.waitDone(ctx, s)
	case StateStopping:
		s.mu.Unlock()
		return c.waitDone(ctx, s)
	}
	s.state = StateStopping
	procs := s.processes
	v := s.publishLocked()
	s.mu.Unlock()
	c.transitioned(v)

	glog.Infof("stopping session %s", s.handle)
	err := stopProcesses(ctx, procs)
	if err != nil {
		glog.Errorf("session %s: %v", s.handle, err)
	}
	c.finish(s)
	return err
}

func (c *Controller) waitDone(ctx context.Context, s *session) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for session %s to stop: %v: %w", s.handle, ctx.Err(), errs.ErrTimeout)
	}
}

// StopMode stops every session of the given mode.
func (c *Controller) StopMode(ctx context.Context, mode Mode) error {
	var errList []error
	for _, v := range c.Sessions() {
		if v.Mode == mode {
			if err := c.Stop(ctx, v.Handle); err != nil {
				errList = append(errList, err)
			}
		}
	}
	return errors.Join(errList...)
}

// StopAll stops every session.
func (c *Controller) StopAll(ctx context.Context) error {
	var errList []error
	for _, v := range c.Sessions() {
		if err := c.Stop(ctx, v.Handle); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// teardown undoes a Start that did not reach Synchronizing.
func (c *Controller) teardown(s *session, procs []daemon.Process) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*c.stopTimeout)
	defer cancel()
	if err := stopProcesses(ctx, procs); err != nil {
		glog.Errorf("session %s: %v", s.handle, err)
	}
	c.finish(s)
}

// finish removes s, returns it to Idle and releases its clocks.
func (c *Controller) finish(s *session) {
	c.mu.Lock()
	c.unbindLocked(s)
	delete(c.sessions, s.handle.ID)
	c.refreshListLocked()
	c.mu.Unlock()

	s.mu.Lock()
	s.state = StateIdle
	s.servo.DaemonDown()
	v := s.publishLocked()
	s.mu.Unlock()
	s.markDone()

	metrics.DeleteSessionMetrics(string(s.handle.Mode), s.handle.Source, s.handle.Target)
	glog.Infof("session %s idle", s.handle)
	c.generation.Add(1)
	c.notifyView(v)
}

func stopProcesses(ctx context.Context, procs []daemon.Process) error {
	var g errgroup.Group
	for _, p := range procs {
		p := p
		g.Go(func() error {
			return p.Stop(ctx)
		})
	}
	return g.Wait()
}

func (c *Controller) unbindLocked(s *session) {
	for _, clk := range bindKeys(s.handle.Source, s.handle.Target) {
		if c.bound[clk] == s.handle.ID {
			delete(c.bound, clk)
		}
	}
}

// dropFailedLocked forgets Failed sessions on clocks a new session takes.
func (c *Controller) dropFailedLocked(keys []string) {
	for id, s := range c.sessions {
		v := s.view.Load()
		if v.State != StateFailed {
			continue
		}
		for _, k := range keys {
			if k == v.Source || k == v.Target {
				delete(c.sessions, id)
				s.markDone()
				metrics.DeleteSessionMetrics(string(v.Mode), v.Source, v.Target)
				break
			}
		}
	}
}

func (c *Controller) refreshListLocked() {
	list := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		list = append(list, s)
	}
	c.list.Store(&list)
}

func (c *Controller) lookup(id string) *session {
	for _, s := range *c.list.Load() {
		if s.handle.ID == id {
			return s
		}
	}
	return nil
}

func (c *Controller) transitioned(v *SessionView) {
	c.generation.Add(1)
	c.exportMetrics(v)
	c.notifyView(v)
}

func (c *Controller) exportMetrics(v *SessionView) {
	metrics.UpdateSessionMetrics(string(v.Mode), v.Source, v.Target, v.State.metricValue(),
		v.OffsetNs, v.FrequencyPPB, v.RMSNs, v.IsSynced)
}

func (c *Controller) notifyView(v *SessionView) {
	if c.notify != nil {
		c.notify(*v)
	}
}

// Sample returns the latest metrics of the session behind h without
// blocking. It is nil when the session is idle or has no sample yet.
func (c *Controller) Sample(h Handle) *SyncMetrics {
	s := c.lookup(h.ID)
	if s == nil {
		return nil
	}
	v := s.view.Load()
	if v.State == StateIdle {
		return nil
	}
	return v.Metrics()
}

// Sessions returns a snapshot of every session that is not idle.
func (c *Controller) Sessions() []SessionView {
	list := *c.list.Load()
	views := make([]SessionView, 0, len(list))
	for _, s := range list {
		if v := s.view.Load(); v.State != StateIdle {
			views = append(views, *v)
		}
	}
	return views
}

// Snapshot returns the sessions together with the generation they were
// read at. The read is retried until no transition raced it.
func (c *Controller) Snapshot() (uint64, []SessionView) {
	for {
		gen := c.generation.Load()
		views := c.Sessions()
		if c.generation.Load() == gen {
			return gen, views
		}
	}
}

// Generation increases on every session state change and ingested sample.
func (c *Controller) Generation() uint64 {
	return c.generation.Load()
}

// FailedSessions names the sessions waiting in Failed.
func (c *Controller) FailedSessions() []string {
	var failed []string
	for _, v := range c.Sessions() {
		if v.State == StateFailed {
			failed = append(failed, v.Handle.String())
		}
	}
	return failed
}

// PTP4LConfig returns the config of a running ptp4l bound to iface, or "".
func (c *Controller) PTP4LConfig(iface string) string {
	for _, v := range c.Sessions() {
		if v.Interface == iface && v.Daemons.PTP4L && v.PTP4LConfig != "" {
			return v.PTP4LConfig
		}
	}
	return ""
}
