package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timenic/timenic-daemon/pkg/config"
	"github.com/timenic/timenic-daemon/pkg/controller"
	"github.com/timenic/timenic-daemon/pkg/device"
	"github.com/timenic/timenic-daemon/pkg/errs"
	"github.com/timenic/timenic-daemon/pkg/event"
	"github.com/timenic/timenic-daemon/pkg/ptpdev"
	"github.com/timenic/timenic-daemon/pkg/status"
	"github.com/timenic/timenic-daemon/pkg/telemetry"
)

type startCall struct {
	source, target string
	cfg            controller.SessionConfig
}

type fakeController struct {
	mu      sync.Mutex
	starts  []startCall
	stopped []controller.Mode
	bound   map[string]bool
}

func (f *fakeController) Start(_ context.Context, source, target string, cfg controller.SessionConfig) (controller.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if source == target {
		return controller.Handle{}, fmt.Errorf("same clock: %w", errs.ErrInvalidArgument)
	}
	if f.bound[target] {
		return controller.Handle{}, fmt.Errorf("%s is bound: %w", target, errs.ErrConflict)
	}
	if f.bound == nil {
		f.bound = map[string]bool{}
	}
	f.bound[target] = true
	f.starts = append(f.starts, startCall{source, target, cfg})
	return controller.Handle{ID: "h1", Mode: cfg.Mode, Source: source, Target: target}, nil
}

func (f *fakeController) StopMode(_ context.Context, mode controller.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, mode)
	f.bound = nil
	return nil
}

func (f *fakeController) Sessions() []controller.SessionView {
	return nil
}

type fakeRegistry struct {
	mu      sync.Mutex
	devices map[string]device.Device
	applied []config.Document
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{devices: map[string]device.Device{
		"enp3s0": {
			Name:         "enp3s0",
			PTPDevice:    "/dev/ptp0",
			PCIAddress:   "0000:03:00.0",
			IsTimeNIC:    true,
			PPSMode:      config.PPSDisabled,
			PTMStatus:    device.PTMDisabled,
			Capabilities: device.Capabilities{PPSOutput: true, PPSInput: true, TCXO: true, PTM: true},
		},
		"eno1": {Name: "eno1", PTMStatus: device.PTMUnsupported, PPSMode: config.PPSDisabled},
	}}
}

func (f *fakeRegistry) List() []device.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []device.Device{f.devices["eno1"], f.devices["enp3s0"]}
}

func (f *fakeRegistry) Get(name string) (device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[name]
	if !ok {
		return device.Device{}, fmt.Errorf("device %s: %w", name, errs.ErrNotFound)
	}
	return d, nil
}

func (f *fakeRegistry) Refresh(context.Context) error { return nil }

func (f *fakeRegistry) ByPCIAddress(addr string) (device.Device, error) {
	for _, d := range f.List() {
		if d.PCIAddress == addr {
			return d, nil
		}
	}
	return device.Device{}, errs.ErrNotFound
}

func (f *fakeRegistry) update(name string, fn func(*device.Device) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[name]
	if !ok {
		return fmt.Errorf("device %s: %w", name, errs.ErrNotFound)
	}
	if err := fn(&d); err != nil {
		return err
	}
	f.devices[name] = d
	return nil
}

func (f *fakeRegistry) SetPPSModeWithFrequency(_ context.Context, name, mode string, hz int) error {
	return f.update(name, func(d *device.Device) error {
		if mode != config.PPSDisabled && !d.Capabilities.PPSOutput {
			return errs.ErrUnsupported
		}
		d.PPSMode = mode
		d.PPSFrequencyHz = hz
		return nil
	})
}

func (f *fakeRegistry) SetTCXO(_ context.Context, name string, enabled bool) error {
	return f.update(name, func(d *device.Device) error {
		if !d.Capabilities.TCXO {
			return errs.ErrUnsupported
		}
		d.TCXOEnabled = enabled
		return nil
	})
}

func (f *fakeRegistry) SetPTM(_ context.Context, name string, enabled bool) error {
	return f.update(name, func(d *device.Device) error {
		if !d.Capabilities.PTM {
			return errs.ErrUnsupported
		}
		d.PTMStatus = device.PTMDisabled
		if enabled {
			d.PTMStatus = device.PTMEnabled
		}
		return nil
	})
}

func (f *fakeRegistry) EnablePPSOutput(ctx context.Context, name string, hz int) error {
	if hz <= 0 {
		return errs.ErrInvalidArgument
	}
	return f.SetPPSModeWithFrequency(ctx, name, config.PPSOutput, hz)
}

func (f *fakeRegistry) EnablePPSInput(ctx context.Context, name string) error {
	return f.update(name, func(d *device.Device) error {
		if !d.Capabilities.PPSInput {
			return errs.ErrUnsupported
		}
		d.PPSMode = config.PPSInput
		return nil
	})
}

func (f *fakeRegistry) ReadPPSEvents(_ context.Context, name string, count int) ([]device.PPSEvent, error) {
	if count <= 0 {
		return nil, errs.ErrInvalidArgument
	}
	events := make([]device.PPSEvent, count)
	for i := range events {
		events[i] = device.PPSEvent{Index: i + 1, Timestamp: float64(1700000000 + i)}
	}
	return events, nil
}

func (f *fakeRegistry) QuickSetup(_ context.Context, name string) ([]string, error) {
	if _, err := f.Get(name); err != nil {
		return nil, err
	}
	return []string{"Device found: " + name, "PPS output enabled", "PPS input enabled", "PTM status: ENABLED"}, nil
}

func (f *fakeRegistry) Apply(_ context.Context, doc config.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, doc)
	return nil
}

type fakeCatalog struct{}

func (fakeCatalog) List(context.Context) ([]ptpdev.Device, error) {
	return []ptpdev.Device{{Path: "/dev/ptp0", Index: 0, Available: true}}, nil
}

func (fakeCatalog) Get(_ context.Context, p string) (ptpdev.Device, error) {
	switch p {
	case "/dev/ptp0":
		return ptpdev.Device{Path: p, Index: 0, Available: true}, nil
	case "/dev/ptp2":
		// sysfs entry present, device node gone
		return ptpdev.Device{Path: p, Index: 2}, nil
	}
	if _, err := ptpdev.Index(p); err != nil {
		return ptpdev.Device{}, err
	}
	return ptpdev.Device{}, fmt.Errorf("%s: %w", p, errs.ErrNotFound)
}

type fakeStatus struct{}

func (fakeStatus) Snapshot() status.View {
	return status.View{PTMStatus: device.PTMDisabled}
}

type fakeMonitor struct{}

func (fakeMonitor) Latest() []telemetry.Snapshot { return nil }

func (fakeMonitor) History(iface string) []telemetry.Snapshot {
	return []telemetry.Snapshot{{Interface: iface}}
}

type fixture struct {
	server *Server
	ctl    *fakeController
	reg    *fakeRegistry
	store  *config.Store
	bus    *event.Bus
}

func newFixture(t *testing.T) *fixture {
	store, err := config.NewStore(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	f := &fixture{
		ctl:   &fakeController{},
		reg:   newFakeRegistry(),
		store: store,
		bus:   event.NewBus(0, 0),
	}
	f.server = NewServer(Options{
		Controller: f.ctl,
		Devices:    f.reg,
		Catalog:    fakeCatalog{},
		Status:     fakeStatus{},
		Monitor:    fakeMonitor{},
		Store:      store,
		Bus:        f.bus,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	out := map[string]interface{}{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestDeviceEndpoints(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, "GET", "/api/nics", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Len(t, body["data"], 2)

	code, body = f.do(t, "GET", "/api/timenics", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], 1)

	code, body = f.do(t, "GET", "/api/nics/enp9s0", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "enp9s0")

	code, _ = f.do(t, "GET", "/api/timenics/eno1", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSetPPSAndTCXO(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, "POST", "/api/nics/enp3s0/pps", `{"mode":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, "POST", "/api/nics/eno1/pps", `{"mode":"output"}`)
	assert.Equal(t, http.StatusNotImplemented, code)

	code, body := f.do(t, "POST", "/api/nics/enp3s0/pps", `{"mode":"output","frequency":10}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "PPS mode of enp3s0 set to output", body["message"])
	ic := f.store.Document().Interfaces["enp3s0"]
	assert.Equal(t, config.PPSOutput, ic.PPSMode)
	assert.Equal(t, 10, ic.PPSFrequencyHz)

	code, _ = f.do(t, "POST", "/api/timenics/enp3s0/tcxo", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, "POST", "/api/nics/enp3s0/tcxo", `{"enabled":true}`)
	assert.Equal(t, http.StatusOK, code)
	require.NotNil(t, f.store.Document().Interfaces["enp3s0"].TCXOEnabled)
	assert.True(t, *f.store.Document().Interfaces["enp3s0"].TCXOEnabled)

	code, _ = f.do(t, "POST", "/api/nics/enp3s0/pps", `{"mode":`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSyncEndpoints(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, "POST", "/api/sync/phc/start", `{"source_ptp":"CLOCK_REALTIME","target_ptp":"/dev/ptp0"}`)
	assert.Equal(t, http.StatusOK, code)
	code, body := f.do(t, "POST", "/api/sync/phc/start", `{"source_ptp":"CLOCK_REALTIME","target_ptp":"/dev/ptp0"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, false, body["success"])

	code, _ = f.do(t, "POST", "/api/sync/ts2phc/start", `{"source_ptp":"/dev/ptp0","target_ptp":"/dev/ptp0"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, "POST", "/api/sync/phc/stop", "")
	assert.Equal(t, http.StatusOK, code)

	code, body = f.do(t, "POST", "/api/sync/start", `{"pin_index":1}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Synchronization started on pin 1", body["message"])
	last := f.ctl.starts[len(f.ctl.starts)-1]
	assert.Equal(t, "generic", last.source)
	assert.Equal(t, "/dev/ptp0", last.target)
	assert.Equal(t, controller.ModePPS, last.cfg.Mode)
	d, _ := f.reg.Get("enp3s0")
	assert.Equal(t, config.PPSInput, d.PPSMode, "input enabled before the pin sync")

	code, _ = f.do(t, "POST", "/api/sync/stop", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []controller.Mode{controller.ModePHC2Sys, controller.ModePPS}, f.ctl.stopped)

	code, body = f.do(t, "GET", "/api/sync/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []interface{}{}, body["data"])
}

func TestPairStartChecksClocks(t *testing.T) {
	f := newFixture(t)

	for _, tc := range []struct {
		path, body string
		code       int
	}{
		{"/api/sync/phc/start", `{"source_ptp":"/dev/ptp7","target_ptp":"/dev/ptp9"}`, http.StatusNotFound},
		{"/api/sync/phc/start", `{"source_ptp":"CLOCK_REALTIME","target_ptp":"/dev/ptp9"}`, http.StatusNotFound},
		{"/api/sync/ts2phc/start", `{"source_ptp":"/dev/ptp0","target_ptp":"/dev/ptp2"}`, http.StatusNotFound},
		{"/api/sync/ts2phc/start", `{"source_ptp":"/dev/ptp7","target_ptp":"/dev/ptp0"}`, http.StatusNotFound},
		{"/api/sync/phc/start", `{"source_ptp":"/dev/rtc0","target_ptp":"/dev/ptp0"}`, http.StatusBadRequest},
	} {
		code, body := f.do(t, "POST", tc.path, tc.body)
		assert.Equal(t, tc.code, code, tc.body)
		assert.Equal(t, false, body["success"], tc.body)
	}
	assert.Empty(t, f.ctl.starts, "no session may start on a clock the catalog rejects")

	code, _ := f.do(t, "POST", "/api/sync/ts2phc/start", `{"source_ptp":"generic","target_ptp":"/dev/ptp0"}`)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, f.ctl.starts, 1)
	assert.Equal(t, "/dev/ptp0", f.ctl.starts[0].target)
}

func TestPPSAndPTMEndpoints(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, "GET", "/api/pps/events?count=3", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3.0, body["count"])
	assert.Len(t, body["events"], 3)

	code, _ = f.do(t, "GET", "/api/pps/events?count=three", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, "POST", "/api/pps/output/enable", `{"frequency":1}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "PPS output enabled at 1 Hz", body["message"])

	code, _ = f.do(t, "POST", "/api/ptm/enable", `{"pci_address":"0000:03:00.0"}`)
	assert.Equal(t, http.StatusOK, code)
	code, body = f.do(t, "POST", "/api/ptm/enable", `{"interface":"enp3s0"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "PTM is already enabled", body["message"])
	code, _ = f.do(t, "POST", "/api/ptm/enable", `{"interface":"eno1"}`)
	assert.Equal(t, http.StatusNotImplemented, code)

	code, body = f.do(t, "POST", "/api/quick-setup", "")
	assert.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]interface{})
	assert.Len(t, data["steps"], 4)
}

func TestDeviceConfigureAndConfig(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, "POST", "/api/device/configure", `{"interface":"enp3s0","ptp_device":"/dev/ptp0"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Device configured: enp3s0 -> /dev/ptp0", body["message"])
	assert.Equal(t, "/dev/ptp0", f.store.Document().PTPDevice)

	code, _ = f.do(t, "POST", "/api/device/configure", `{"interface":"enp3s0","ptp_device":"/dev/ptp7"}`)
	assert.Equal(t, http.StatusNotFound, code)

	doc := `{"default_interface":"enp3s0","interfaces":{"enp3s0":{"pps_mode":"both"}}}`
	code, _ = f.do(t, "POST", "/api/import-config", doc)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, f.reg.applied, 1)
	assert.Equal(t, config.PPSBoth, f.reg.applied[0].Interfaces["enp3s0"].PPSMode)

	req := httptest.NewRequest("GET", "/api/export-config", nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	assert.Equal(t, doc, rec.Body.String())

	code, _ = f.do(t, "POST", "/api/config", "interfaces:\n  enp3s0:\n    pps_mode: bogus\n")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, "GET", "/api/config", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "enp3s0", body["data"].(map[string]interface{})["default_interface"])
}

func TestMonitorAndStatus(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, "GET", "/api/ptp/monitor/enp3s0", "")
	assert.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]interface{})
	assert.Nil(t, data["ptp_stats"])
	assert.Nil(t, data["ptp_sync_status"])

	code, _ = f.do(t, "GET", "/api/ptp/monitor/enp9s0", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.do(t, "GET", "/api/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, device.PTMDisabled, body["ptm_status"])

	code, body = f.do(t, "GET", "/api/ptp/devices", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], 1)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebsocketPush(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ev struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "status", ev.Type)

	require.Eventually(t, func() bool { return f.bus.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.server.SessionChanged(controller.SessionView{State: controller.StateIdle})
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "sync_status", ev.Type)
	assert.True(t, bytes.Equal([]byte("null"), ev.Data))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "status", ev.Type)

	// every sample reaches the chart, without a status view in between
	at := time.Unix(1700000000, 0)
	for _, off := range []float64{500, 300, 120} {
		f.server.SessionSampled(controller.SessionView{
			State:        controller.StateSynchronizing,
			OffsetNs:     off,
			LastSampleAt: &at,
		})
	}
	for _, off := range []float64{500, 300, 120} {
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, "sync_status", ev.Type)
		var m controller.SyncMetrics
		require.NoError(t, json.Unmarshal(ev.Data, &m))
		assert.Equal(t, off, m.OffsetNs)
	}

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return f.bus.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
