package device

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/timenic/timenic-daemon/pkg/config"
	"github.com/timenic/timenic-daemon/pkg/errs"
)

const (
	// MaxPPSEvents caps one ReadPPSEvents call.
	MaxPPSEvents = 100
	fifoPoll     = 50 * time.Millisecond
)

// PPSEvent is one external timestamp captured on SMA2.
type PPSEvent struct {
	Index     int     `json:"index"`
	Channel   int     `json:"channel"`
	Timestamp float64 `json:"timestamp"`
	Time      string  `json:"time"`
}

// ParseFifoLine parses a "<chan> <sec> <nsec>" line of the PHC fifo.
func ParseFifoLine(line string) (PPSEvent, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return PPSEvent{}, fmt.Errorf("unexpected fifo line %q", line)
	}
	ch, err := strconv.Atoi(fields[0])
	if err != nil {
		return PPSEvent{}, fmt.Errorf("fifo channel %q: %v", fields[0], err)
	}
	sec, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return PPSEvent{}, fmt.Errorf("fifo seconds %q: %v", fields[1], err)
	}
	nsec, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return PPSEvent{}, fmt.Errorf("fifo nanoseconds %q: %v", fields[2], err)
	}
	t := time.Unix(sec, nsec).UTC()
	return PPSEvent{
		Channel:   ch,
		Timestamp: float64(sec) + float64(nsec)/1e9,
		Time:      t.Format("2006-01-02 15:04:05.000000000"),
	}, nil
}

// ReadPPSEvents waits for up to count input events. It returns what was
// captured when the hardware timeout expires, which may be nothing.
func (r *Registry) ReadPPSEvents(ctx context.Context, name string, count int) ([]PPSEvent, error) {
	if count <= 0 || count > MaxPPSEvents {
		return nil, fmt.Errorf("event count %d: %w", count, errs.ErrInvalidArgument)
	}
	d, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if d.PPSMode != config.PPSInput && d.PPSMode != config.PPSBoth {
		return nil, fmt.Errorf("%s: PPS input is not enabled: %w", name, errs.ErrInvalidArgument)
	}
	dir, err := phcDir(d.PTPDevice)
	if err != nil {
		return nil, err
	}
	fifo := path.Join(dir, "fifo")

	// a 1 Hz input needs about a second per event
	wait := r.timeout + time.Duration(count)*time.Second
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(fifoPoll)
	defer ticker.Stop()

	events := make([]PPSEvent, 0, count)
	for len(events) < count {
		line, err := r.fs.ReadString(fifo)
		if err != nil {
			return events, err
		}
		if line != "" {
			ev, err := ParseFifoLine(line)
			if err != nil {
				glog.Warningf("%s: %v", name, err)
			} else {
				ev.Index = len(events) + 1
				events = append(events, ev)
				continue
			}
		}
		select {
		case <-ctx.Done():
			glog.V(2).Infof("%s: %d of %d PPS events before timeout", name, len(events), count)
			return events, nil
		case <-ticker.C:
		}
	}
	return events, nil
}

// QuickSetup brings an adapter into the usual TimeNIC state: PPS out on
// SMA1, PPS in on SMA2 and PTM where supported. It returns the steps taken.
func (r *Registry) QuickSetup(ctx context.Context, name string) ([]string, error) {
	d, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if d.PTPDevice == "" {
		return nil, fmt.Errorf("%s has no PTP hardware clock: %w", name, errs.ErrUnsupported)
	}
	steps := []string{fmt.Sprintf("Device found: %s -> %s", name, d.PTPDevice)}
	if err := r.EnablePPSOutput(ctx, name, config.DefaultPPSFrequencyHz); err != nil {
		return steps, err
	}
	steps = append(steps, "PPS output enabled")
	if err := r.EnablePPSInput(ctx, name); err != nil {
		return steps, err
	}
	steps = append(steps, "PPS input enabled")
	if d.Capabilities.PTM {
		if err := r.EnablePTM(ctx, name); err != nil {
			glog.Warningf("%s: enabling PTM: %v", name, err)
		}
	}
	d, _ = r.Get(name)
	steps = append(steps, "PTM status: "+strings.ToUpper(d.PTMStatus))
	return steps, nil
}
