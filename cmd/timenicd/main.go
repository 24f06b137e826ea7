package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	utilwait "k8s.io/apimachinery/pkg/util/wait"

	"github.com/timenic/timenic-daemon/pkg/api"
	"github.com/timenic/timenic-daemon/pkg/config"
	"github.com/timenic/timenic-daemon/pkg/controller"
	"github.com/timenic/timenic-daemon/pkg/daemon"
	"github.com/timenic/timenic-daemon/pkg/device"
	"github.com/timenic/timenic-daemon/pkg/event"
	"github.com/timenic/timenic-daemon/pkg/features"
	"github.com/timenic/timenic-daemon/pkg/leap"
	"github.com/timenic/timenic-daemon/pkg/logfilter"
	"github.com/timenic/timenic-daemon/pkg/metrics"
	"github.com/timenic/timenic-daemon/pkg/network"
	"github.com/timenic/timenic-daemon/pkg/pmc"
	"github.com/timenic/timenic-daemon/pkg/ptpdev"
	"github.com/timenic/timenic-daemon/pkg/status"
	"github.com/timenic/timenic-daemon/pkg/telemetry"
	"github.com/timenic/timenic-daemon/pkg/utils"
)

// GitCommit of current build set at build time
var GitCommit = "Undefined"

type cliParams struct {
	listenAddress   string
	readyAddress    string
	configPath      string
	sysfsRoot       string
	runDir          string
	leapFile        string
	refreshInterval time.Duration
	hwTimeout       time.Duration
	stopTimeout     time.Duration
}

// Parse Command line flags
func (cp *cliParams) flagInit() {
	flag.StringVar(&cp.listenAddress, "listen", config.DefaultListenAddress,
		"Address the HTTP API and push channel listen on")
	flag.StringVar(&cp.readyAddress, "ready-address", "",
		"Optional separate address for /ready, empty serves it on the API listener")
	flag.StringVar(&cp.configPath, "config", config.EnvOrDefault(config.EnvConfigPath, config.DefaultConfigPath),
		"Configuration document, JSON or YAML")
	flag.StringVar(&cp.sysfsRoot, "sysfs-root", config.EnvOrDefault(config.EnvSysfsRoot, config.DefaultSysfsRoot),
		"Root the /sys and /dev paths are resolved against")
	flag.StringVar(&cp.runDir, "run-dir", config.DefaultRunDir,
		"Directory for rendered linuxptp configs")
	flag.StringVar(&cp.leapFile, "leap-file", config.DefaultLeapFile,
		"leap-seconds.list used for the TAI-UTC offset")
	flag.DurationVar(&cp.refreshInterval, "refresh-interval", 10*time.Second,
		"Interval to re-enumerate network devices")
	flag.DurationVar(&cp.hwTimeout, "hardware-timeout", config.DefaultHardwareTimeout,
		"Upper bound for a single hardware read or write")
	flag.DurationVar(&cp.stopTimeout, "stop-timeout", config.DefaultStopTimeout,
		"Time a daemon gets to exit after SIGTERM")
	flag.Parse()
	cp.debugPrint()
}

func (cp *cliParams) debugPrint() {
	glog.Infof("listen address set to: %s", cp.listenAddress)
	glog.Infof("config path set to: %s", cp.configPath)
	glog.Infof("sysfs root set to: %s", cp.sysfsRoot)
	glog.Infof("run dir set to: %s", cp.runDir)
	glog.Infof("device refresh interval set to: %s", cp.refreshInterval)
	glog.Infof("hardware timeout set to: %s", cp.hwTimeout)
}

func main() {
	fmt.Printf("Git commit: %s\n", GitCommit)
	cp := &cliParams{}
	cp.flagInit()
	defer glog.Flush()

	if err := run(cp); err != nil {
		glog.Errorf("timenicd: %v", err)
		glog.Flush()
		os.Exit(1)
	}
}

func run(cp *cliParams) error {
	nodeName, _ := os.Hostname()
	metrics.RegisterMetrics(nodeName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := utils.ExecRunner{Timeout: cp.hwTimeout}
	if version, err := features.GetLinuxPTPVersion(ctx, runner); err != nil {
		glog.Warningf("cannot determine linuxptp version, assuming the oldest supported: %v", err)
	} else {
		features.SetFlags(version)
	}
	features.Flags.Print()

	store, err := config.NewStore(cp.configPath)
	if err != nil {
		return err
	}
	doc := store.Document()
	tai := leap.NewProvider(cp.leapFile, config.DefaultTAIOffset)

	fs := network.SysFS{Root: cp.sysfsRoot}
	inspector := &network.Inspector{FS: fs, NICs: network.GhwNICs, Runner: runner}
	catalog := &ptpdev.Catalog{FS: fs, Timeout: cp.hwTimeout}
	registry := device.NewRegistry(inspector, catalog, cp.hwTimeout)
	bus := event.NewBus(0, 0)
	tracker := &daemon.ReadyTracker{}

	// srv is assigned before the listener starts, so no session can notify
	// earlier.
	var srv *api.Server
	ctl := controller.New(controller.Options{
		Runner:      runner,
		TAI:         tai,
		Servo:       doc.Servo,
		RunDir:      cp.runDir,
		LeapFile:    cp.leapFile,
		LogReduce:   logfilter.Mode(doc.LogReduce),
		StopTimeout: cp.stopTimeout,
		Notify: func(v controller.SessionView) {
			if srv != nil {
				srv.SessionChanged(v)
			}
		},
		Sampled: func(v controller.SessionView) {
			if srv != nil {
				srv.SessionSampled(v)
			}
		},
	})
	tracker.FailedSessions = ctl.FailedSessions

	publisher := telemetry.New(telemetry.Options{
		Counters:    inspector,
		Sessions:    ctl,
		Devices:     registry,
		PMC:         pmc.ExpectClient{},
		Bus:         bus,
		Config:      doc.Telemetry,
		ReadTimeout: cp.hwTimeout,
	})
	aggregator := status.NewAggregator(ctl, registry, func() string {
		return store.Document().DefaultInterface
	})
	srv = api.NewServer(api.Options{
		Controller: ctl,
		Devices:    registry,
		Catalog:    catalog,
		Status:     aggregator,
		Monitor:    publisher,
		Store:      store,
		Bus:        bus,
		Ready:      tracker,
	})

	if err = registry.Refresh(ctx); err != nil {
		glog.Errorf("initial device discovery failed: %v", err)
	} else {
		tracker.SetDevices(true)
	}
	if err = registry.Apply(ctx, doc); err != nil {
		glog.Errorf("applying %s: %v", cp.configPath, err)
	}
	tracker.SetConfig(true)

	stopCh := make(chan struct{})
	defer close(stopCh)

	if err = store.Watch(stopCh, func(d config.Document) {
		reconfigure(ctx, d, registry, ctl, publisher)
		srv.PublishStatus()
	}); err != nil {
		glog.Warningf("config changes on disk will not be picked up: %v", err)
	}

	go utilwait.Until(func() {
		if err := registry.Refresh(ctx); err != nil {
			utilruntime.HandleError(fmt.Errorf("refreshing devices: %w", err))
			return
		}
		tracker.SetDevices(true)
		srv.PublishStatus()
	}, cp.refreshInterval, stopCh)

	go publisher.Run(ctx)

	if cp.readyAddress != "" {
		daemon.StartReadyServer(cp.readyAddress, tracker)
	}

	httpServer := &http.Server{
		Addr:              cp.listenAddress,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		glog.Infof("TimeNIC manager listening on %s", cp.listenAddress)
		serveErr <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				glog.Info("SIGHUP received, reloading leap file")
				tai.Reload()
				continue
			}
			glog.Info("signal received, shutting down ", sig)
			return shutdown(ctl, httpServer, cp.stopTimeout)
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			_ = ctl.StopAll(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}
}

// reconfigure pushes a changed document into the running components.
func reconfigure(ctx context.Context, d config.Document, registry *device.Registry, ctl *controller.Controller, publisher *telemetry.Publisher) {
	ctl.SetServoConfig(d.Servo)
	ctl.SetLogReduce(logfilter.Mode(d.LogReduce))
	publisher.SetConfig(d.Telemetry)
	if err := registry.Apply(ctx, d); err != nil {
		glog.Errorf("applying changed config: %v", err)
	}
}

func shutdown(ctl *controller.Controller, httpServer *http.Server, stopTimeout time.Duration) error {
	// every daemon gets its SIGTERM window plus slack for the KILL path
	ctx, cancel := context.WithTimeout(context.Background(), 2*stopTimeout+5*time.Second)
	defer cancel()
	var result error
	if err := ctl.StopAll(ctx); err != nil {
		glog.Errorf("stopping sessions: %v", err)
		result = err
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		glog.Errorf("http shutdown: %v", err)
		result = errors.Join(result, err)
	}
	return result
}
