package daemon

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	utilwait "k8s.io/apimachinery/pkg/util/wait"
)

// ReadyTracker reports whether the manager finished initializing: the config
// is loaded, devices were enumerated and no session sits in Failed.
type ReadyTracker struct {
	mutex   sync.Mutex
	config  bool
	devices bool
	// FailedSessions lists sessions that need an operator. Optional.
	FailedSessions func() []string
}

func (rt *ReadyTracker) Ready() (bool, string) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	if !rt.config {
		return false, "Config not applied"
	}
	if !rt.devices {
		return false, "Devices not discovered"
	}
	if rt.FailedSessions != nil {
		if failed := rt.FailedSessions(); len(failed) > 0 {
			return false, "Failed session(s): " + strings.Join(failed, ", ")
		}
	}
	return true, ""
}

// SetConfig marks the configuration as loaded.
func (rt *ReadyTracker) SetConfig(v bool) {
	rt.mutex.Lock()
	rt.config = v
	rt.mutex.Unlock()
}

// SetDevices marks device discovery as done.
func (rt *ReadyTracker) SetDevices(v bool) {
	rt.mutex.Lock()
	rt.devices = v
	rt.mutex.Unlock()
}

type readyHandler struct {
	tracker *ReadyTracker
}

func (h readyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isReady, msg := h.tracker.Ready(); !isReady {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "503: %s\n", msg)
	} else {
		w.WriteHeader(http.StatusOK)
	}
}

// ReadyHandler exposes the tracker on an existing router.
func ReadyHandler(tracker *ReadyTracker) http.Handler {
	return readyHandler{tracker: tracker}
}

// StartReadyServer serves /ready on its own listener, retrying every five
// seconds if the bind fails.
func StartReadyServer(bindAddress string, tracker *ReadyTracker) {
	glog.Info("Starting Ready Server")
	mux := http.NewServeMux()
	mux.Handle("/ready", readyHandler{tracker: tracker})
	go utilwait.Until(func() {
		err := http.ListenAndServe(bindAddress, mux)
		if err != nil {
			utilruntime.HandleError(fmt.Errorf("starting ready server failed: %v", err))
		}
	}, 5*time.Second, utilwait.NeverStop)
}
