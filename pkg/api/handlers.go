package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/timenic/timenic-daemon/pkg/config"
	"github.com/timenic/timenic-daemon/pkg/controller"
	"github.com/timenic/timenic-daemon/pkg/daemon"
	"github.com/timenic/timenic-daemon/pkg/device"
	"github.com/timenic/timenic-daemon/pkg/errs"
	"github.com/timenic/timenic-daemon/pkg/ptpdev"
	"github.com/timenic/timenic-daemon/pkg/telemetry"
)

const defaultPPSEventCount = 5

type ppsRequest struct {
	Mode      string `json:"mode"`
	Frequency int    `json:"frequency,omitempty"`
}

type tcxoRequest struct {
	Enabled *bool `json:"enabled"`
}

type syncStartRequest struct {
	PinIndex  *int   `json:"pin_index,omitempty"`
	Interface string `json:"interface,omitempty"`
}

type pairStartRequest struct {
	SourcePTP string `json:"source_ptp"`
	TargetPTP string `json:"target_ptp"`
	PinIndex  *int   `json:"pin_index,omitempty"`
	Interface string `json:"interface,omitempty"`
}

type interfaceRequest struct {
	Interface string `json:"interface,omitempty"`
	Frequency int    `json:"frequency,omitempty"`
}

type ptmRequest struct {
	Interface  string `json:"interface,omitempty"`
	PCIAddress string `json:"pci_address,omitempty"`
}

type deviceConfigureRequest struct {
	Interface string `json:"interface"`
	PTPDevice string `json:"ptp_device"`
}

type deviceConfigureResponse struct {
	Interface  string `json:"interface"`
	PTPDevice  string `json:"ptp_device"`
	ClockIndex int    `json:"clock_index"`
}

type ppsEventsResponse struct {
	Success bool              `json:"success"`
	Count   int               `json:"count"`
	Events  []device.PPSEvent `json:"events"`
}

type monitorResponse struct {
	Interface     string                  `json:"interface"`
	Snapshot      *telemetry.Snapshot     `json:"snapshot"`
	PTPStats      interface{}             `json:"ptp_stats"`
	PTPSyncStatus *controller.SyncMetrics `json:"ptp_sync_status"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Snapshot())
}

func (s *Server) handleListDevices(onlyTimeNIC bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("refresh") == "true" {
			if err := s.devices.Refresh(r.Context()); err != nil {
				writeError(w, r, err)
				return
			}
		}
		list := []device.Device{}
		for _, d := range s.devices.List() {
			if onlyTimeNIC && !d.IsTimeNIC {
				continue
			}
			list = append(list, d)
		}
		writeOK(w, "", list)
	}
}

func (s *Server) handleGetDevice(onlyTimeNIC bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		d, err := s.devices.Get(name)
		if err == nil && onlyTimeNIC && !d.IsTimeNIC {
			err = fmt.Errorf("%s is not a TimeNIC: %w", name, errs.ErrNotFound)
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, "", d)
	}
}

func (s *Server) handleSetPPS(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	req := &ppsRequest{}
	if !readJSON(w, r, req) {
		return
	}
	if !config.ValidPPSMode(req.Mode) {
		writeError(w, r, fmt.Errorf("pps mode %q: %w", req.Mode, errs.ErrInvalidArgument))
		return
	}
	if err := s.devices.SetPPSModeWithFrequency(r.Context(), name, req.Mode, req.Frequency); err != nil {
		writeError(w, r, err)
		return
	}
	s.persist(name, func(ic *config.InterfaceConfig) {
		ic.PPSMode = req.Mode
		if req.Frequency > 0 {
			ic.PPSFrequencyHz = req.Frequency
		}
	})
	s.PublishStatus()
	writeOK(w, fmt.Sprintf("PPS mode of %s set to %s", name, req.Mode), nil)
}

func (s *Server) handleSetTCXO(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	req := &tcxoRequest{}
	if !readJSON(w, r, req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, r, fmt.Errorf("enabled is required: %w", errs.ErrInvalidArgument))
		return
	}
	if err := s.devices.SetTCXO(r.Context(), name, *req.Enabled); err != nil {
		writeError(w, r, err)
		return
	}
	enabled := *req.Enabled
	s.persist(name, func(ic *config.InterfaceConfig) { ic.TCXOEnabled = &enabled })
	s.PublishStatus()
	writeOK(w, fmt.Sprintf("TCXO of %s set to %t", name, enabled), nil)
}

func (s *Server) handleSetPTM(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	req := &tcxoRequest{}
	if !readJSON(w, r, req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, r, fmt.Errorf("enabled is required: %w", errs.ErrInvalidArgument))
		return
	}
	if err := s.devices.SetPTM(r.Context(), name, *req.Enabled); err != nil {
		writeError(w, r, err)
		return
	}
	s.PublishStatus()
	writeOK(w, fmt.Sprintf("PTM of %s set to %t", name, *req.Enabled), nil)
}

// persist records a successful setter in the config document. A failed
// write is logged; the hardware already holds the new state.
func (s *Server) persist(name string, fn func(*config.InterfaceConfig)) {
	if s.store == nil {
		return
	}
	err := s.store.Update(func(d *config.Document) {
		if d.Interfaces == nil {
			d.Interfaces = map[string]config.InterfaceConfig{}
		}
		ic := d.Interfaces[name]
		fn(&ic)
		d.Interfaces[name] = ic
	})
	if err != nil {
		glog.Errorf("persisting config of %s: %v", name, err)
	}
}

func (s *Server) handlePTPDevices(w http.ResponseWriter, r *http.Request) {
	list, err := s.catalog.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []ptpdev.Device{}
	}
	writeOK(w, "", list)
}

func (s *Server) handlePTPMonitor(w http.ResponseWriter, r *http.Request) {
	iface := mux.Vars(r)["interface"]
	d, err := s.devices.Get(iface)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := monitorResponse{Interface: iface}
	if h := s.monitor.History(iface); len(h) > 0 {
		last := h[len(h)-1]
		resp.Snapshot = &last
		if last.PTP != nil {
			resp.PTPStats = last.PTP
		}
	}
	for _, v := range s.ctl.Sessions() {
		if v.Active() && (v.Target == d.PTPDevice || v.Interface == iface) {
			resp.PTPSyncStatus = v.Metrics()
			break
		}
	}
	writeOK(w, "", resp)
}

// defaultInterface resolves an omitted interface to the configured one.
func (s *Server) defaultInterface(name string) string {
	if name != "" {
		return name
	}
	if s.store != nil {
		if n := s.store.Document().DefaultInterface; n != "" {
			return n
		}
	}
	return config.DefaultInterface
}

// targetClock is the PHC a pin sync disciplines: the configured device
// when set, else the interface's own clock.
func (s *Server) targetClock(iface string) (string, error) {
	if s.store != nil {
		doc := s.store.Document()
		if doc.PTPDevice != "" && (iface == "" || iface == doc.DefaultInterface) {
			return doc.PTPDevice, nil
		}
	}
	d, err := s.devices.Get(s.defaultInterface(iface))
	if err != nil {
		return "", err
	}
	if d.PTPDevice == "" {
		return "", fmt.Errorf("%s has no PTP hardware clock: %w", d.Name, errs.ErrUnsupported)
	}
	return d.PTPDevice, nil
}

func (s *Server) startPinSync(w http.ResponseWriter, r *http.Request, iface string, pin *int) {
	iface = s.defaultInterface(iface)
	pinIndex := config.DefaultPinIndex
	if pin != nil {
		pinIndex = *pin
	}
	target, err := s.targetClock(iface)
	if err == nil {
		_, err = s.checkClock(r.Context(), target)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err = s.devices.EnablePPSInput(r.Context(), iface); err != nil {
		writeError(w, r, err)
		return
	}
	h, err := s.ctl.Start(r.Context(), daemon.TS2PHCSourceGeneric, target, controller.SessionConfig{
		Mode:      controller.ModePPS,
		PinIndex:  pinIndex,
		Interface: iface,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, fmt.Sprintf("Synchronization started on pin %d", pinIndex), h)
}

func (s *Server) handleSyncStart(w http.ResponseWriter, r *http.Request) {
	req := &syncStartRequest{}
	if !readJSON(w, r, req) {
		return
	}
	s.startPinSync(w, r, req.Interface, req.PinIndex)
}

func (s *Server) handlePHCSync(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	d, err := s.devices.Get(name)
	if err == nil && !d.IsTimeNIC {
		err = fmt.Errorf("%s is not a TimeNIC: %w", name, errs.ErrNotFound)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.startPinSync(w, r, name, nil)
}

func (s *Server) handlePairStart(mode controller.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := &pairStartRequest{}
		if !readJSON(w, r, req) {
			return
		}
		cfg := controller.SessionConfig{Mode: mode, Interface: req.Interface}
		if mode == controller.ModeTS2PHC {
			cfg.PinIndex = config.DefaultPinIndex
			if req.PinIndex != nil {
				cfg.PinIndex = *req.PinIndex
			}
		}
		for _, clk := range []string{req.SourcePTP, req.TargetPTP} {
			if clk == "" || clk == daemon.TS2PHCSourceGeneric || clk == daemon.SystemClock {
				continue
			}
			if _, err := s.checkClock(r.Context(), clk); err != nil {
				writeError(w, r, err)
				return
			}
		}
		h, err := s.ctl.Start(r.Context(), req.SourcePTP, req.TargetPTP, cfg)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, fmt.Sprintf("%s synchronization started: %s -> %s", mode, req.SourcePTP, req.TargetPTP), h)
	}
}

func (s *Server) handleStop(mode controller.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.ctl.StopMode(r.Context(), mode); err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, fmt.Sprintf("%s synchronization stopped", mode), nil)
	}
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	sessions := s.ctl.Sessions()
	if sessions == nil {
		sessions = []controller.SessionView{}
	}
	writeOK(w, "", sessions)
}

func (s *Server) handlePPSOutput(w http.ResponseWriter, r *http.Request) {
	req := &interfaceRequest{Frequency: config.DefaultPPSFrequencyHz}
	if !readJSON(w, r, req) {
		return
	}
	name := s.defaultInterface(req.Interface)
	if err := s.devices.EnablePPSOutput(r.Context(), name, req.Frequency); err != nil {
		writeError(w, r, err)
		return
	}
	s.persistPPS(name, req.Frequency)
	s.PublishStatus()
	writeOK(w, fmt.Sprintf("PPS output enabled at %d Hz", req.Frequency), nil)
}

func (s *Server) handlePPSInput(w http.ResponseWriter, r *http.Request) {
	req := &interfaceRequest{}
	if !readJSON(w, r, req) {
		return
	}
	name := s.defaultInterface(req.Interface)
	if err := s.devices.EnablePPSInput(r.Context(), name); err != nil {
		writeError(w, r, err)
		return
	}
	s.persistPPS(name, 0)
	s.PublishStatus()
	writeOK(w, "PPS input enabled on SMA2", nil)
}

// persistPPS stores the mode the adapter ended up in.
func (s *Server) persistPPS(name string, hz int) {
	d, err := s.devices.Get(name)
	if err != nil {
		return
	}
	s.persist(name, func(ic *config.InterfaceConfig) {
		ic.PPSMode = d.PPSMode
		if hz > 0 {
			ic.PPSFrequencyHz = hz
		}
	})
}

func (s *Server) handlePPSEvents(w http.ResponseWriter, r *http.Request) {
	count := defaultPPSEventCount
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, r, fmt.Errorf("count %q: %w", v, errs.ErrInvalidArgument))
			return
		}
		count = n
	}
	name := s.defaultInterface(r.URL.Query().Get("interface"))
	events, err := s.devices.ReadPPSEvents(r.Context(), name, count)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []device.PPSEvent{}
	}
	writeJSON(w, http.StatusOK, ppsEventsResponse{Success: true, Count: len(events), Events: events})
}

func (s *Server) handlePTMEnable(w http.ResponseWriter, r *http.Request) {
	req := &ptmRequest{}
	if !readJSON(w, r, req) {
		return
	}
	var (
		d   device.Device
		err error
	)
	if req.PCIAddress != "" && req.Interface == "" {
		d, err = s.devices.ByPCIAddress(req.PCIAddress)
	} else {
		d, err = s.devices.Get(s.defaultInterface(req.Interface))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if d.PTMStatus == device.PTMEnabled {
		writeOK(w, "PTM is already enabled", nil)
		return
	}
	if err = s.devices.SetPTM(r.Context(), d.Name, true); err != nil {
		writeError(w, r, err)
		return
	}
	s.PublishStatus()
	writeOK(w, fmt.Sprintf("PTM enabled for device %s", d.PCIAddress), nil)
}

func (s *Server) handleQuickSetup(w http.ResponseWriter, r *http.Request) {
	req := &interfaceRequest{}
	if !readJSON(w, r, req) {
		return
	}
	name := s.defaultInterface(req.Interface)
	steps, err := s.devices.QuickSetup(r.Context(), name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.persistPPS(name, config.DefaultPPSFrequencyHz)
	s.PublishStatus()
	writeOK(w, "Quick setup completed", map[string][]string{"steps": steps})
}

func (s *Server) handleDeviceConfigure(w http.ResponseWriter, r *http.Request) {
	req := &deviceConfigureRequest{}
	if !readJSON(w, r, req) {
		return
	}
	if req.Interface == "" {
		writeError(w, r, fmt.Errorf("interface is required: %w", errs.ErrInvalidArgument))
		return
	}
	d, err := s.devices.Get(req.Interface)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.PTPDevice == "" {
		req.PTPDevice = d.PTPDevice
	}
	phc, err := s.checkClock(r.Context(), req.PTPDevice)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if s.store != nil {
		err = s.store.Update(func(doc *config.Document) {
			doc.DefaultInterface = req.Interface
			doc.PTPDevice = req.PTPDevice
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
	}
	s.PublishStatus()
	writeOK(w, fmt.Sprintf("Device configured: %s -> %s", req.Interface, req.PTPDevice), deviceConfigureResponse{
		Interface:  req.Interface,
		PTPDevice:  req.PTPDevice,
		ClockIndex: phc.Index,
	})
}

// checkClock reads the PHC from the catalog again: availability may have
// changed since the client listed it.
func (s *Server) checkClock(ctx context.Context, clk string) (ptpdev.Device, error) {
	phc, err := s.catalog.Get(ctx, clk)
	if err != nil {
		return phc, err
	}
	if !phc.Available {
		return phc, fmt.Errorf("%s is not accessible: %w", clk, errs.ErrNotFound)
	}
	return phc, nil
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeOK(w, "", s.store.Document())
}

func (s *Server) handleExportConfig(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(s.store.Export()); err != nil {
		glog.Errorf("writing config export: %v", err)
	}
}

func (s *Server) handleImportConfig(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := s.store.Import(data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err = s.devices.Apply(r.Context(), *doc); err != nil {
		writeError(w, r, fmt.Errorf("configuration stored but not fully applied: %w", err))
		return
	}
	s.PublishStatus()
	writeOK(w, "Configuration imported successfully", nil)
}
