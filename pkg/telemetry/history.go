package telemetry

import (
	"time"

	"github.com/timenic/timenic-daemon/pkg/controller"
	"github.com/timenic/timenic-daemon/pkg/network"
	"github.com/timenic/timenic-daemon/pkg/pmc"
)

// Rates are derived from the two most recent snapshots of an interface.
type Rates struct {
	RxBps float64 `json:"rx_bps"`
	TxBps float64 `json:"tx_bps"`
	RxPps float64 `json:"rx_pps"`
	TxPps float64 `json:"tx_pps"`
}

// Map ...
func (r Rates) Map() map[string]float64 {
	return map[string]float64{
		"rx_bps": r.RxBps,
		"tx_bps": r.TxBps,
		"rx_pps": r.RxPps,
		"tx_pps": r.TxPps,
	}
}

// Snapshot is one sample of an interface. It is never modified after it is
// published.
type Snapshot struct {
	Interface string    `json:"interface"`
	Timestamp time.Time `json:"timestamp"`
	network.Counters
	Rates       *Rates                  `json:"rates,omitempty"`
	Temperature *float64                `json:"temperature,omitempty"`
	PTP         *pmc.Stats              `json:"ptp_stats,omitempty"`
	Port        *pmc.PortStatus         `json:"port_status,omitempty"`
	Sync        *controller.SyncMetrics `json:"sync,omitempty"`
}

// rateBetween computes per-second rates. Counter resets yield zero.
func rateBetween(prev, cur Snapshot) *Rates {
	dt := cur.Timestamp.Sub(prev.Timestamp).Seconds()
	if dt <= 0 {
		return nil
	}
	per := func(a, b uint64) float64 {
		if b < a {
			return 0
		}
		return float64(b-a) / dt
	}
	return &Rates{
		RxBps: per(prev.RxBytes, cur.RxBytes) * 8,
		TxBps: per(prev.TxBytes, cur.TxBytes) * 8,
		RxPps: per(prev.RxPackets, cur.RxPackets),
		TxPps: per(prev.TxPackets, cur.TxPackets),
	}
}

// ring keeps the last n snapshots of one interface.
type ring struct {
	items []Snapshot
	start int
	n     int
}

func newRing(n int) *ring {
	return &ring{items: make([]Snapshot, 0, n), n: n}
}

func (r *ring) push(s Snapshot) {
	if len(r.items) < r.n {
		r.items = append(r.items, s)
		return
	}
	r.items[r.start] = s
	r.start = (r.start + 1) % r.n
}

func (r *ring) last() (Snapshot, bool) {
	if len(r.items) == 0 {
		return Snapshot{}, false
	}
	if len(r.items) < r.n {
		return r.items[len(r.items)-1], true
	}
	return r.items[(r.start+r.n-1)%r.n], true
}

// list returns the snapshots oldest first.
func (r *ring) list() []Snapshot {
	out := make([]Snapshot, 0, len(r.items))
	if len(r.items) < r.n {
		return append(out, r.items...)
	}
	out = append(out, r.items[r.start:]...)
	return append(out, r.items[:r.start]...)
}

// resize keeps the newest n snapshots.
func (r *ring) resize(n int) *ring {
	nr := newRing(n)
	for _, s := range r.list() {
		nr.push(s)
	}
	return nr
}
