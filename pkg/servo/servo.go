// Package servo turns raw offset measurements into the synchronization
// estimate reported for a session: offset, PI frequency correction, RMS
// over a sliding window and the dwell-gated sync flag.
package servo

import (
	"math"
	"time"

	"github.com/timenic/timenic-daemon/pkg/config"
	"github.com/timenic/timenic-daemon/pkg/utils"
)

// DefaultMaxFrequencyPPB bounds the correction when the PHC does not report
// its max_adjustment.
const DefaultMaxFrequencyPPB = 62499999

// PI is a proportional-integral clock servo. Gains are per sample interval;
// offset is in ns and the returned correction in ppb.
type PI struct {
	KP     float64
	KI     float64
	MaxPPB float64

	integral float64
	samples  int
}

// Sample feeds one offset (target minus source) and returns the frequency
// correction that drives it toward zero.
func (p *PI) Sample(offsetNs float64) float64 {
	max := p.MaxPPB
	if max <= 0 {
		max = DefaultMaxFrequencyPPB
	}
	p.samples++
	p.integral = clamp(p.integral+p.KI*offsetNs, max)
	return clamp(-(p.KP*offsetNs + p.integral), max)
}

// Reset clears the integral term.
func (p *PI) Reset() {
	p.integral = 0
	p.samples = 0
}

func clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}

// SyncDetector implements the is_synced hysteresis: the flag rises only
// after offset and RMS stay under threshold for the whole dwell period and
// falls on the first breach.
type SyncDetector struct {
	Threshold float64
	Dwell     time.Duration

	withinSince time.Time
	synced      bool
}

// Update evaluates one sample and returns the resulting flag.
func (d *SyncDetector) Update(offsetNs, rmsNs float64, daemonRunning bool, now time.Time) bool {
	if !daemonRunning || math.Abs(offsetNs) >= d.Threshold || rmsNs >= d.Threshold {
		d.withinSince = time.Time{}
		d.synced = false
		return false
	}
	if d.withinSince.IsZero() {
		d.withinSince = now
	}
	d.synced = now.Sub(d.withinSince) >= d.Dwell
	return d.synced
}

// Synced returns the last computed flag.
func (d *SyncDetector) Synced() bool {
	return d.synced
}

// Clear drops the flag immediately without waiting for a sample, used when
// the owning daemon stops.
func (d *SyncDetector) Clear() {
	d.withinSince = time.Time{}
	d.synced = false
}

// Estimate is the servo state after the last sample.
type Estimate struct {
	OffsetNs     float64
	FrequencyPPB float64
	RMSNs        float64
	IsSynced     bool
	Samples      int
	At           time.Time
}

// Servo owns the PI loop, the RMS window and the sync detector of a single
// session. It is not safe for concurrent use.
type Servo struct {
	pi       PI
	window   *utils.Window
	detector SyncDetector
	last     Estimate
}

// New builds a Servo from the configured coefficients.
func New(cfg config.ServoConfig) *Servo {
	window := cfg.RMSWindow
	if window < 1 {
		window = config.DefaultRMSWindow
	}
	return &Servo{
		pi:     PI{KP: cfg.KP, KI: cfg.KI, MaxPPB: cfg.MaxFrequencyPPB},
		window: utils.NewWindow(window),
		detector: SyncDetector{
			Threshold: cfg.ThresholdNs,
			Dwell:     cfg.Dwell(),
		},
	}
}

// Sample ingests a raw offset measurement.
func (s *Servo) Sample(offsetNs float64, daemonRunning bool, at time.Time) Estimate {
	s.window.Insert(offsetNs)
	rms := s.window.RMS()
	s.last = Estimate{
		OffsetNs:     offsetNs,
		FrequencyPPB: s.pi.Sample(offsetNs),
		RMSNs:        rms,
		IsSynced:     s.detector.Update(offsetNs, rms, daemonRunning, at),
		Samples:      s.last.Samples + 1,
		At:           at,
	}
	return s.last
}

// DaemonDown clears the sync flag without a new sample.
func (s *Servo) DaemonDown() Estimate {
	s.detector.Clear()
	s.last.IsSynced = false
	return s.last
}

// Last returns the latest estimate.
func (s *Servo) Last() Estimate {
	return s.last
}
