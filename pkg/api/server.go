// Package api serves the HTTP and WebSocket contract the dashboard uses.
package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/timenic/timenic-daemon/pkg/config"
	"github.com/timenic/timenic-daemon/pkg/controller"
	"github.com/timenic/timenic-daemon/pkg/daemon"
	"github.com/timenic/timenic-daemon/pkg/device"
	"github.com/timenic/timenic-daemon/pkg/event"
	"github.com/timenic/timenic-daemon/pkg/metrics"
	"github.com/timenic/timenic-daemon/pkg/ptpdev"
	"github.com/timenic/timenic-daemon/pkg/status"
	"github.com/timenic/timenic-daemon/pkg/telemetry"
)

// SyncController is the command side of the synchronization controller.
type SyncController interface {
	Start(ctx context.Context, source, target string, cfg controller.SessionConfig) (controller.Handle, error)
	StopMode(ctx context.Context, mode controller.Mode) error
	Sessions() []controller.SessionView
}

// DeviceRegistry is satisfied by *device.Registry.
type DeviceRegistry interface {
	List() []device.Device
	Get(name string) (device.Device, error)
	Refresh(ctx context.Context) error
	ByPCIAddress(addr string) (device.Device, error)
	SetPPSModeWithFrequency(ctx context.Context, name, mode string, hz int) error
	SetTCXO(ctx context.Context, name string, enabled bool) error
	SetPTM(ctx context.Context, name string, enabled bool) error
	EnablePPSOutput(ctx context.Context, name string, hz int) error
	EnablePPSInput(ctx context.Context, name string) error
	ReadPPSEvents(ctx context.Context, name string, count int) ([]device.PPSEvent, error)
	QuickSetup(ctx context.Context, name string) ([]string, error)
	Apply(ctx context.Context, doc config.Document) error
}

// ClockCatalog is satisfied by *ptpdev.Catalog.
type ClockCatalog interface {
	List(ctx context.Context) ([]ptpdev.Device, error)
	Get(ctx context.Context, devPath string) (ptpdev.Device, error)
}

// StatusSource is satisfied by *status.Aggregator.
type StatusSource interface {
	Snapshot() status.View
}

// Monitor is satisfied by *telemetry.Publisher.
type Monitor interface {
	Latest() []telemetry.Snapshot
	History(iface string) []telemetry.Snapshot
}

// ConfigStore is satisfied by *config.Store.
type ConfigStore interface {
	Document() config.Document
	Export() []byte
	Import(data []byte) (*config.Document, error)
	Update(fn func(*config.Document)) error
}

// Options carry the components the server drives.
type Options struct {
	Controller SyncController
	Devices    DeviceRegistry
	Catalog    ClockCatalog
	Status     StatusSource
	Monitor    Monitor
	Store      ConfigStore
	Bus        *event.Bus
	Ready      *daemon.ReadyTracker
}

// Server routes API requests to the components.
type Server struct {
	ctl      SyncController
	devices  DeviceRegistry
	catalog  ClockCatalog
	status   StatusSource
	monitor  Monitor
	store    ConfigStore
	bus      *event.Bus
	ready    *daemon.ReadyTracker
	upgrader websocket.Upgrader
	router   *mux.Router
}

// NewServer builds the router.
func NewServer(o Options) *Server {
	s := &Server{
		ctl:     o.Controller,
		devices: o.Devices,
		catalog: o.Catalog,
		status:  o.Status,
		monitor: o.Monitor,
		store:   o.Store,
		bus:     o.Bus,
		ready:   o.Ready,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

// ServeHTTP ...
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	a := r.PathPrefix("/api").Subrouter()
	a.Use(
		func(next http.Handler) http.Handler {
			return promhttp.InstrumentHandlerCounter(metrics.HTTPRequestsTotal, next)
		},
		func(next http.Handler) http.Handler {
			return promhttp.InstrumentHandlerDuration(metrics.HTTPRequestDuration, next)
		},
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Add("Content-Type", "application/json")
				next.ServeHTTP(w, r)
			})
		},
	)

	a.Path("/status").Methods("GET").HandlerFunc(s.handleStatus)

	for _, prefix := range []string{"/nics", "/timenics"} {
		onlyTimeNIC := prefix == "/timenics"
		a.Path(prefix).Methods("GET").HandlerFunc(s.handleListDevices(onlyTimeNIC))
		a.Path(prefix + "/{name}").Methods("GET").HandlerFunc(s.handleGetDevice(onlyTimeNIC))
		a.Path(prefix + "/{name}/pps").Methods("POST").HandlerFunc(s.handleSetPPS)
		a.Path(prefix + "/{name}/tcxo").Methods("POST").HandlerFunc(s.handleSetTCXO)
	}
	a.Path("/timenics/{name}/ptm").Methods("POST").HandlerFunc(s.handleSetPTM)
	a.Path("/timenics/{name}/phc-sync").Methods("POST").HandlerFunc(s.handlePHCSync)

	a.Path("/ptp/devices").Methods("GET").HandlerFunc(s.handlePTPDevices)
	a.Path("/ptp/monitor/{interface}").Methods("GET").HandlerFunc(s.handlePTPMonitor)

	a.Path("/sync/start").Methods("POST").HandlerFunc(s.handleSyncStart)
	a.Path("/sync/stop").Methods("POST").HandlerFunc(s.handleStop(controller.ModePPS))
	a.Path("/sync/status").Methods("GET").HandlerFunc(s.handleSyncStatus)
	a.Path("/sync/phc/start").Methods("POST").HandlerFunc(s.handlePairStart(controller.ModePHC2Sys))
	a.Path("/sync/phc/stop").Methods("POST").HandlerFunc(s.handleStop(controller.ModePHC2Sys))
	a.Path("/sync/ts2phc/start").Methods("POST").HandlerFunc(s.handlePairStart(controller.ModeTS2PHC))
	a.Path("/sync/ts2phc/stop").Methods("POST").HandlerFunc(s.handleStop(controller.ModeTS2PHC))

	a.Path("/pps/output/enable").Methods("POST").HandlerFunc(s.handlePPSOutput)
	a.Path("/pps/input/enable").Methods("POST").HandlerFunc(s.handlePPSInput)
	a.Path("/pps/events").Methods("GET").HandlerFunc(s.handlePPSEvents)
	a.Path("/ptm/enable").Methods("POST").HandlerFunc(s.handlePTMEnable)
	a.Path("/quick-setup").Methods("POST").HandlerFunc(s.handleQuickSetup)
	a.Path("/device/configure").Methods("POST").HandlerFunc(s.handleDeviceConfigure)

	a.Path("/config").Methods("GET").HandlerFunc(s.handleGetConfig)
	a.Path("/config").Methods("POST").HandlerFunc(s.handleImportConfig)
	a.Path("/export-config").Methods("GET").HandlerFunc(s.handleExportConfig)
	a.Path("/import-config").Methods("POST").HandlerFunc(s.handleImportConfig)

	r.Path("/ws").HandlerFunc(s.handleWebsocket)

	r.Path("/metrics").
		Methods("GET").
		Handler(promhttp.Handler())

	r.Path("/healthz").
		Methods("GET", "OPTIONS").
		HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.Write([]byte("OK")) //nolint:errcheck
		})

	if s.ready != nil {
		r.Path("/ready").Methods("GET").Handler(daemon.ReadyHandler(s.ready))
	}
	return r
}

// PublishStatus pushes the current status view.
func (s *Server) PublishStatus() {
	if s.bus == nil || s.status == nil {
		return
	}
	s.bus.Publish(event.New(event.Status, s.status.Snapshot()))
}

// SessionChanged pushes the sync_status of a session that changed state or
// sync flag, followed by the status view. Sessions that are not running
// push null.
func (s *Server) SessionChanged(v controller.SessionView) {
	if s.bus == nil {
		return
	}
	s.publishSync(v)
	s.PublishStatus()
}

// SessionSampled pushes the sync_status of every ingested offset so charts
// follow the servo between state changes.
func (s *Server) SessionSampled(v controller.SessionView) {
	if s.bus == nil {
		return
	}
	s.publishSync(v)
}

func (s *Server) publishSync(v controller.SessionView) {
	var data interface{}
	if v.Active() {
		if m := v.Metrics(); m != nil {
			data = m
		}
	}
	s.bus.Publish(event.New(event.SyncStatus, data))
}
