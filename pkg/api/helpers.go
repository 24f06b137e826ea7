package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/golang/glog"

	"github.com/timenic/timenic-daemon/pkg/errs"
)

type response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, resp interface{}) bool {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		glog.Errorf("failed to encode API response %T: %v", resp, err)
		return false
	}
	return true
}

func writeOK(w http.ResponseWriter, message string, data interface{}) bool {
	return writeJSON(w, http.StatusOK, response{Success: true, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) bool {
	code := errs.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		glog.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	} else {
		glog.Warningf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	return writeJSON(w, code, response{Success: false, Error: err.Error()})
}

// readJSON decodes the request body into req. An empty body leaves req
// untouched so handlers can rely on their defaults.
func readJSON(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, fmt.Errorf("failed to parse request body: %v: %w", err, errs.ErrInvalidArgument))
		return false
	}
	return true
}

const maxConfigSize = 1 << 20

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxConfigSize))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %v: %w", err, errs.ErrInvalidArgument)
	}
	return data, nil
}
