package controller

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timenic/timenic-daemon/pkg/config"
	"github.com/timenic/timenic-daemon/pkg/daemon"
	"github.com/timenic/timenic-daemon/pkg/errs"
	"github.com/timenic/timenic-daemon/pkg/parser/constants"
	"github.com/timenic/timenic-daemon/pkg/servo"
)

// State of a synchronization session.
type State string

const (
	StateIdle          State = "Idle"
	StateStarting      State = "Starting"
	StateSynchronizing State = "Synchronizing"
	StateStopping      State = "Stopping"
	StateFailed        State = "Failed"
)

// metricValue is the numeric form exported as timenic_sync_session_state.
func (s State) metricValue() int {
	switch s {
	case StateStarting:
		return 1
	case StateSynchronizing:
		return 2
	case StateStopping:
		return 3
	case StateFailed:
		return 4
	}
	return 0
}

// Mode selects the daemons a session runs.
type Mode string

const (
	// ModePHC2Sys disciplines one PHC from another with phc2sys.
	ModePHC2Sys Mode = "phc2sys"
	// ModeTS2PHC disciplines a PHC from the periodic output of another PHC.
	ModeTS2PHC Mode = "ts2phc"
	// ModePPS disciplines a PHC from an external PPS on one of its pins.
	ModePPS Mode = "pps"
)

// ValidMode reports whether m names a known session mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModePHC2Sys, ModeTS2PHC, ModePPS:
		return true
	}
	return false
}

// SessionConfig carries the per-session options of Start.
type SessionConfig struct {
	Mode Mode
	// PinIndex is the target pin receiving pulses (ts2phc and pps modes).
	PinIndex int
	// SourcePinIndex is the periodic output pin of a PHC source (ts2phc mode).
	SourcePinIndex int
	// Interface, when set, also runs ptp4l on it so PTP counters can be read.
	Interface string
	// Servo overrides the controller defaults when non-nil.
	Servo *config.ServoConfig
}

// Handle identifies a started session. A handle stays valid after the
// session ends; stopping it again is a no-op.
type Handle struct {
	ID         string `json:"id"`
	Mode       Mode   `json:"mode"`
	Source     string `json:"source_clock"`
	Target     string `json:"target_clock"`
	Generation uint64 `json:"generation"`
}

func (h Handle) String() string {
	return fmt.Sprintf("%s:%s->%s", h.Mode, h.Source, h.Target)
}

// DaemonFlags are the running flags of the subordinate daemons.
type DaemonFlags struct {
	PTP4L   bool `json:"ptp4l"`
	PHC2Sys bool `json:"phc2sys"`
	TS2PHC  bool `json:"ts2phc"`
}

func (f *DaemonFlags) set(process string, running bool) {
	switch process {
	case constants.PTP4L:
		f.PTP4L = running
	case constants.PHC2SYS:
		f.PHC2Sys = running
	case constants.TS2PHC:
		f.TS2PHC = running
	}
}

// SyncMetrics is the latest servo output, the sync_status payload.
type SyncMetrics struct {
	Timestamp    time.Time `json:"timestamp"`
	OffsetNs     float64   `json:"offset_ns"`
	FrequencyPPB float64   `json:"frequency_ppb"`
	RMSNs        float64   `json:"rms_ns"`
	IsSynced     bool      `json:"is_synced"`
}

// SessionView is an immutable snapshot of a session. State and metrics are
// captured together so readers never see one without the other.
type SessionView struct {
	Handle
	State     State   `json:"state"`
	Interface string  `json:"interface,omitempty"`
	OffsetNs  float64 `json:"offset_ns"`
	// FrequencyPPB is the correction the daemon applied to the target.
	FrequencyPPB float64 `json:"frequency_ppb"`
	// EstimatedFrequencyPPB is the local PI estimate for the same offsets.
	EstimatedFrequencyPPB float64     `json:"estimated_frequency_ppb"`
	RMSNs                 float64     `json:"rms_ns"`
	IsSynced              bool        `json:"is_synced"`
	Samples               int         `json:"samples"`
	Daemons               DaemonFlags `json:"daemon_flags"`
	StartedAt             time.Time   `json:"started_at"`
	LastSampleAt          *time.Time  `json:"last_sample_at,omitempty"`
	Failure               string      `json:"failure,omitempty"`
	// PTP4LConfig is the config ptp4l runs with, for pmc queries.
	PTP4LConfig string `json:"-"`
}

// Metrics returns the sync metrics of the view, nil when nothing was sampled.
func (v *SessionView) Metrics() *SyncMetrics {
	if v == nil || v.LastSampleAt == nil {
		return nil
	}
	return &SyncMetrics{
		Timestamp:    *v.LastSampleAt,
		OffsetNs:     v.OffsetNs,
		FrequencyPPB: v.FrequencyPPB,
		RMSNs:        v.RMSNs,
		IsSynced:     v.IsSynced,
	}
}

// Active reports whether the session still holds its clock pair.
func (v *SessionView) Active() bool {
	return v.State == StateStarting || v.State == StateSynchronizing || v.State == StateStopping
}

// session is owned by the Controller. Writers hold mu; readers load view.
type session struct {
	handle Handle
	cfg    SessionConfig

	mu          sync.Mutex
	state       State
	servo       *servo.Servo
	servoCfg    config.ServoConfig
	processes   []daemon.Process
	daemons     DaemonFlags
	startedAt   time.Time
	lastSample  time.Time
	appliedFreq float64
	failure     string
	ptp4lConfig string
	// done is closed once the session is back to Idle and removed.
	done     chan struct{}
	doneOnce sync.Once

	view atomic.Pointer[SessionView]
}

func newSession(h Handle, cfg SessionConfig, servoCfg config.ServoConfig, now time.Time) *session {
	s := &session{
		handle:    h,
		cfg:       cfg,
		state:     StateStarting,
		servo:     servo.New(servoCfg),
		servoCfg:  servoCfg,
		startedAt: now,
		done:      make(chan struct{}),
	}
	s.publishLocked()
	return s
}

// publishLocked swaps in a fresh view. Caller holds mu (or owns s exclusively).
func (s *session) publishLocked() *SessionView {
	est := s.servo.Last()
	v := &SessionView{
		Handle:               s.handle,
		State:                s.state,
		Interface:            s.cfg.Interface,
		OffsetNs:              est.OffsetNs,
		FrequencyPPB:          s.appliedFreq,
		EstimatedFrequencyPPB: est.FrequencyPPB,
		RMSNs:                 est.RMSNs,
		IsSynced:              est.IsSynced,
		Samples:               est.Samples,
		Daemons:               s.daemons,
		StartedAt:             s.startedAt,
		Failure:               s.failure,
		PTP4LConfig:           s.ptp4lConfig,
	}
	if s.state == StateIdle {
		// an idle session carries no estimate
		v.OffsetNs, v.FrequencyPPB, v.EstimatedFrequencyPPB, v.RMSNs, v.IsSynced = 0, 0, 0, 0, false
		v.Daemons = DaemonFlags{}
	} else if !s.lastSample.IsZero() {
		t := s.lastSample
		v.LastSampleAt = &t
	}
	s.view.Store(v)
	return v
}

func (s *session) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// primaryProcess is the daemon whose offsets drive the servo.
func primaryProcess(m Mode) string {
	if m == ModePHC2Sys {
		return constants.PHC2SYS
	}
	return constants.TS2PHC
}

func validateConfig(source, target string, cfg SessionConfig) error {
	if !ValidMode(cfg.Mode) {
		return fmt.Errorf("unknown sync mode %q: %w", cfg.Mode, errs.ErrInvalidArgument)
	}
	if target == "" || source == "" {
		return fmt.Errorf("source and target clocks are required: %w", errs.ErrInvalidArgument)
	}
	if source == target {
		return fmt.Errorf("source and target are both %s: %w", source, errs.ErrInvalidArgument)
	}
	if cfg.PinIndex < 0 || cfg.SourcePinIndex < 0 {
		return fmt.Errorf("negative pin index: %w", errs.ErrInvalidArgument)
	}
	if cfg.Mode == ModePPS && source != daemon.TS2PHCSourceGeneric {
		return fmt.Errorf("pps mode takes the %q source, got %s: %w", daemon.TS2PHCSourceGeneric, source, errs.ErrInvalidArgument)
	}
	return nil
}
