// Package leap reads the IERS leap-seconds.list to know the TAI-UTC offset
// the PHC must be set with.
package leap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	leaphash "github.com/facebook/time/leaphash"
	"github.com/golang/glog"
)

// leap-seconds.list timestamps count seconds since the NTP epoch
var ntpEpoch = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

// LeapEvent is one TAI-UTC step.
type LeapEvent struct {
	LeapTime string `json:"leapTime"`
	LeapSec  int    `json:"leapSec"`
	Comment  string `json:"comment"`
}

// LeapFile is a parsed leap-seconds.list.
type LeapFile struct {
	ExpirationTime string      `json:"expirationTime"`
	UpdateTime     string      `json:"updateTime"`
	LeapEvents     []LeapEvent `json:"leapEvents"`
	Hash           string      `json:"hash"`
}

func parseLeapFile(b []byte) (*LeapFile, error) {
	var l = LeapFile{}
	for _, line := range strings.Split(string(b), "\n") {
		fields := strings.Fields(line)
		switch {
		case strings.HasPrefix(line, "#$") && len(fields) > 1:
			l.UpdateTime = fields[1]
		case strings.HasPrefix(line, "#@") && len(fields) > 1:
			l.ExpirationTime = fields[1]
		case strings.HasPrefix(line, "#h"):
			l.Hash = strings.Join(fields[1:], " ")
		case strings.HasPrefix(line, "#"):
		case len(fields) < 2:
			// empty line
		default:
			sec, err := strconv.ParseInt(fields[1], 10, 8)
			if err != nil {
				return nil, fmt.Errorf("failed to parse Leap seconds %s value: %s", fields[1], err)
			}
			if _, err := strconv.ParseInt(fields[0], 10, 64); err != nil {
				return nil, fmt.Errorf("failed to parse Leap event time %s: %s", fields[0], err)
			}
			l.LeapEvents = append(l.LeapEvents, LeapEvent{
				LeapTime: fields[0],
				LeapSec:  int(sec),
				Comment:  strings.Join(fields[2:], " "),
			})
		}
	}
	if len(l.LeapEvents) == 0 {
		return nil, fmt.Errorf("no leap events found")
	}
	return &l, nil
}

func ntpTime(s string) time.Time {
	sec, _ := strconv.ParseInt(s, 10, 64)
	return ntpEpoch.Add(time.Duration(sec) * time.Second)
}

// UTCOffset returns TAI-UTC in effect at t.
func (l *LeapFile) UTCOffset(t time.Time) int {
	offset := l.LeapEvents[0].LeapSec
	for _, ev := range l.LeapEvents {
		if ntpTime(ev.LeapTime).After(t) {
			break
		}
		offset = ev.LeapSec
	}
	return offset
}

// Expired reports whether the file is past its #@ expiration.
func (l *LeapFile) Expired(t time.Time) bool {
	if l.ExpirationTime == "" {
		return false
	}
	return t.After(ntpTime(l.ExpirationTime))
}

// Load parses path and checks its #h checksum.
func Load(path string) (*LeapFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	l, err := parseLeapFile(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if l.Hash != "" {
		if h := leaphash.Compute(string(b)); h != l.Hash {
			glog.Warningf("leap file %s hash mismatch: file says %q, computed %q", path, l.Hash, h)
		}
	}
	return l, nil
}

// Provider hands out the current TAI-UTC offset, falling back to a fixed
// value when no usable leap file is installed.
type Provider struct {
	path     string
	fallback int

	mu   sync.RWMutex
	file *LeapFile
}

// NewProvider loads path once; call Reload after the file changes.
func NewProvider(path string, fallback int) *Provider {
	p := &Provider{path: path, fallback: fallback}
	p.Reload()
	return p
}

// Reload re-reads the leap file, keeping the previous table on error.
func (p *Provider) Reload() {
	l, err := Load(p.path)
	if err != nil {
		glog.Warningf("leap file unavailable, using TAI-UTC %d: %v", p.fallback, err)
		return
	}
	if l.Expired(time.Now()) {
		glog.Warningf("leap file %s expired", p.path)
	}
	p.mu.Lock()
	p.file = l
	p.mu.Unlock()
	glog.Infof("leap file %s loaded, %d events, expires %s", p.path, len(l.LeapEvents), l.ExpirationTime)
}

// UTCOffset returns TAI-UTC at t.
func (p *Provider) UTCOffset(t time.Time) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.file == nil {
		return p.fallback
	}
	return p.file.UTCOffset(t)
}
