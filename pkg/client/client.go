// Package client talks to the TimeNIC manager HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/timenic/timenic-daemon/pkg/controller"
	"github.com/timenic/timenic-daemon/pkg/device"
	"github.com/timenic/timenic-daemon/pkg/errs"
	"github.com/timenic/timenic-daemon/pkg/ptpdev"
	"github.com/timenic/timenic-daemon/pkg/status"
)

// DefaultTimeout bounds a request. PPS event reads wait up to count+2
// seconds on the server, so they get a longer deadline, see PPSEvents.
const DefaultTimeout = 10 * time.Second

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Client is safe for concurrent use.
type Client struct {
	base *url.URL
	http *http.Client
}

// New parses baseURL, e.g. "http://localhost:8080".
func New(baseURL string) (*Client, error) {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("server url %q: %v: %w", baseURL, err, errs.ErrInvalidArgument)
	}
	return &Client{base: u, http: &http.Client{Timeout: DefaultTimeout}}, nil
}

func (c *Client) url(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

// raw performs a request and returns the body of a 2xx answer. Errors carry
// the server message wrapped in the matching errs kind.
func (c *Client) raw(ctx context.Context, method, path string, query url.Values, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	log.Debugf("%s %s", method, req.URL)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %v: %w", method, path, err, errs.ErrTimeout)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", path, err)
	}
	log.Debugf("%s %s -> %d (%d bytes)", method, path, resp.StatusCode, len(data))
	if kind := errs.FromHTTPStatus(resp.StatusCode); kind != nil {
		env := envelope{}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &env) == nil && env.Error != "" {
			msg = env.Error
		}
		return nil, fmt.Errorf("%s: %w", msg, kind)
	}
	return data, nil
}

// call sends in as JSON and decodes the data member of the answer into out.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, in, out interface{}) (string, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return "", err
		}
		body = bytes.NewReader(b)
	}
	data, err := c.raw(ctx, method, path, query, body)
	if err != nil {
		return "", err
	}
	env := envelope{}
	if err = json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decoding %s response: %w", path, err)
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err = json.Unmarshal(env.Data, out); err != nil {
			return "", fmt.Errorf("decoding %s data: %w", path, err)
		}
	}
	return env.Message, nil
}

// Status returns the aggregated status view.
func (c *Client) Status(ctx context.Context) (status.View, error) {
	v := status.View{}
	data, err := c.raw(ctx, http.MethodGet, "/api/status", nil, nil)
	if err != nil {
		return v, err
	}
	return v, json.Unmarshal(data, &v)
}

// Devices lists the network adapters. onlyTimeNIC narrows the list to
// TimeNIC-class boards; refresh re-enumerates the hardware first.
func (c *Client) Devices(ctx context.Context, onlyTimeNIC, refresh bool) ([]device.Device, error) {
	path := "/api/nics"
	if onlyTimeNIC {
		path = "/api/timenics"
	}
	q := url.Values{}
	if refresh {
		q.Set("refresh", "true")
	}
	var list []device.Device
	_, err := c.call(ctx, http.MethodGet, path, q, nil, &list)
	return list, err
}

// Device returns one adapter.
func (c *Client) Device(ctx context.Context, name string) (device.Device, error) {
	d := device.Device{}
	_, err := c.call(ctx, http.MethodGet, "/api/nics/"+url.PathEscape(name), nil, nil, &d)
	return d, err
}

// SetPPS sets the PPS mode of an adapter. hz 0 keeps the current rate.
func (c *Client) SetPPS(ctx context.Context, name, mode string, hz int) (string, error) {
	body := map[string]interface{}{"mode": mode}
	if hz > 0 {
		body["frequency"] = hz
	}
	return c.call(ctx, http.MethodPost, "/api/nics/"+url.PathEscape(name)+"/pps", nil, body, nil)
}

// SetTCXO switches the on-board oscillator.
func (c *Client) SetTCXO(ctx context.Context, name string, enabled bool) (string, error) {
	return c.call(ctx, http.MethodPost, "/api/nics/"+url.PathEscape(name)+"/tcxo", nil,
		map[string]bool{"enabled": enabled}, nil)
}

// EnablePTM turns on PCIe PTM for the adapter.
func (c *Client) EnablePTM(ctx context.Context, name string) (string, error) {
	return c.call(ctx, http.MethodPost, "/api/ptm/enable", nil, map[string]string{"interface": name}, nil)
}

// StartSync locks the adapter PHC to the pulse on its input pin. A nil pin
// uses the server default.
func (c *Client) StartSync(ctx context.Context, iface string, pin *int) (controller.Handle, string, error) {
	h := controller.Handle{}
	body := map[string]interface{}{}
	if iface != "" {
		body["interface"] = iface
	}
	if pin != nil {
		body["pin_index"] = *pin
	}
	msg, err := c.call(ctx, http.MethodPost, "/api/sync/start", nil, body, &h)
	return h, msg, err
}

// StartPair starts a phc2sys (mode "phc2sys") or ts2phc (mode "ts2phc")
// session between two clocks.
func (c *Client) StartPair(ctx context.Context, mode controller.Mode, source, target string) (controller.Handle, string, error) {
	h := controller.Handle{}
	path, err := modePath(mode)
	if err != nil {
		return h, "", err
	}
	msg, err := c.call(ctx, http.MethodPost, path+"/start", nil,
		map[string]string{"source_ptp": source, "target_ptp": target}, &h)
	return h, msg, err
}

// StopSync stops every session of the given mode.
func (c *Client) StopSync(ctx context.Context, mode controller.Mode) (string, error) {
	path, err := modePath(mode)
	if err != nil {
		return "", err
	}
	return c.call(ctx, http.MethodPost, path+"/stop", nil, nil, nil)
}

func modePath(mode controller.Mode) (string, error) {
	switch mode {
	case controller.ModePPS:
		return "/api/sync", nil
	case controller.ModePHC2Sys:
		return "/api/sync/phc", nil
	case controller.ModeTS2PHC:
		return "/api/sync/ts2phc", nil
	}
	return "", fmt.Errorf("sync mode %q: %w", mode, errs.ErrInvalidArgument)
}

// Sessions returns every synchronization session.
func (c *Client) Sessions(ctx context.Context) ([]controller.SessionView, error) {
	var list []controller.SessionView
	_, err := c.call(ctx, http.MethodGet, "/api/sync/status", nil, nil, &list)
	return list, err
}

// PTPDevices lists the PHCs.
func (c *Client) PTPDevices(ctx context.Context) ([]ptpdev.Device, error) {
	var list []ptpdev.Device
	_, err := c.call(ctx, http.MethodGet, "/api/ptp/devices", nil, nil, &list)
	return list, err
}

// PPSEvents reads up to count external timestamps from the adapter.
func (c *Client) PPSEvents(ctx context.Context, iface string, count int) ([]device.PPSEvent, error) {
	q := url.Values{"count": {strconv.Itoa(count)}}
	if iface != "" {
		q.Set("interface", iface)
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout+time.Duration(count)*time.Second)
	defer cancel()
	hc := *c.http
	hc.Timeout = 0
	cc := &Client{base: c.base, http: &hc}
	data, err := cc.raw(ctx, http.MethodGet, "/api/pps/events", q, nil)
	if err != nil {
		return nil, err
	}
	resp := struct {
		Events []device.PPSEvent `json:"events"`
	}{}
	return resp.Events, json.Unmarshal(data, &resp)
}

// QuickSetup enables PPS out, PPS in and PTM in one go and returns the
// steps taken.
func (c *Client) QuickSetup(ctx context.Context, iface string) ([]string, error) {
	out := struct {
		Steps []string `json:"steps"`
	}{}
	_, err := c.call(ctx, http.MethodPost, "/api/quick-setup", nil, map[string]string{"interface": iface}, &out)
	return out.Steps, err
}

// ExportConfig returns the stored configuration document verbatim.
func (c *Client) ExportConfig(ctx context.Context) ([]byte, error) {
	return c.raw(ctx, http.MethodGet, "/api/export-config", nil, nil)
}

// ImportConfig replaces the configuration with data, JSON or YAML.
func (c *Client) ImportConfig(ctx context.Context, data []byte) (string, error) {
	raw, err := c.raw(ctx, http.MethodPost, "/api/import-config", nil, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	env := envelope{}
	if err = json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	return env.Message, nil
}
