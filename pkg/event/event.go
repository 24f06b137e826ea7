// Package event fans daemon events out to push subscribers.
package event

// Type names a push event.
type Type string

const (
	// Status carries the aggregated status view.
	Status Type = "status"
	// SyncStatus carries one session after each sample or state change.
	SyncStatus Type = "sync_status"
	// MonitoringData carries a telemetry snapshot.
	MonitoringData Type = "monitoring_data"
)

// Event is the envelope sent on the push channel.
type Event struct {
	Type Type        `json:"type"`
	Data interface{} `json:"data"`
}

// New wraps data in an event of type t.
func New(t Type, data interface{}) Event {
	return Event{Type: t, Data: data}
}
