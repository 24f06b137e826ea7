package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timenic/timenic-daemon/pkg/errs"
)

func fakeManager(t *testing.T) (*httptest.Server, *[]byte) {
	t.Helper()
	stored := []byte(`{"default_interface":"enp3s0","interfaces":{}}`)
	r := mux.NewRouter()
	r.Path("/api/nics").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success":true,"data":[{"name":"enp3s0","link_status":"up","ptp_device":"/dev/ptp0","pps_mode":"both","tcxo_enabled":true,"ptm_status":"enabled","is_timenic":true},{"name":"eno1","link_status":"down","pps_mode":"disabled","ptm_status":"unsupported"}]}`) //nolint:errcheck
	})
	r.Path("/api/nics/{name}/pps").Methods("POST").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "output", body["mode"])
		assert.EqualValues(t, 10, body["frequency"])
		io.WriteString(w, `{"success":true,"message":"PPS mode set to output","data":null}`) //nolint:errcheck
	})
	r.Path("/api/sync/stop").Methods("POST").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success":true,"message":"pps synchronization stopped","data":null}`) //nolint:errcheck
	})
	r.Path("/api/export-config").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(stored) //nolint:errcheck
	})
	r.Path("/api/import-config").Methods("POST").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stored, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{"success":true,"message":"Configuration imported successfully","data":null}`) //nolint:errcheck
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, &stored
}

func run(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(append([]string{"--server", server}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestNICsTable(t *testing.T) {
	srv, _ := fakeManager(t)
	out, err := run(t, srv.URL, "nics")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "enp3s0")
	assert.Contains(t, out, "/dev/ptp0")
	assert.Contains(t, out, "eno1")
}

func TestNICsJSON(t *testing.T) {
	srv, _ := fakeManager(t)
	out, err := run(t, srv.URL, "-o", "json", "nics")
	require.NoError(t, err)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "enp3s0", list[0]["name"])
}

func TestPPSSetAndSyncStop(t *testing.T) {
	srv, _ := fakeManager(t)
	out, err := run(t, srv.URL, "pps", "set", "enp3s0", "output", "--frequency", "10")
	require.NoError(t, err)
	assert.Equal(t, "PPS mode set to output\n", out)

	_, err = run(t, srv.URL, "pps", "set", "enp3s0", "sideways")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	out, err = run(t, srv.URL, "sync", "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "stopped")
}

func TestConfigRoundTrip(t *testing.T) {
	srv, stored := fakeManager(t)
	out, err := run(t, srv.URL, "-o", "yaml", "config", "export")
	require.NoError(t, err)
	assert.Contains(t, out, "default_interface: enp3s0")

	path := filepath.Join(t.TempDir(), "timenic.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default_interface: eno1\n"), 0o644))
	out, err = run(t, srv.URL, "config", "import", path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Configuration imported"))
	assert.Equal(t, "default_interface: eno1\n", string(*stored))
}

func TestRejectsUnknownFormat(t *testing.T) {
	_, err := run(t, "http://127.0.0.1:1", "-o", "xml", "nics")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestParseOnOff(t *testing.T) {
	on, err := parseOnOff("on")
	require.NoError(t, err)
	assert.True(t, on)
	on, err = parseOnOff("disabled")
	require.NoError(t, err)
	assert.False(t, on)
	_, err = parseOnOff("maybe")
	assert.Error(t, err)
}
