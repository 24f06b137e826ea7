package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/timenic/timenic-daemon/pkg/errs"
	"github.com/timenic/timenic-daemon/pkg/logfilter"
	"github.com/timenic/timenic-daemon/pkg/metrics"
	"github.com/timenic/timenic-daemon/pkg/parser"
)

const (
	// PtpProcessDown ...
	PtpProcessDown int64 = 0
	// PtpProcessUp ...
	PtpProcessUp int64 = 1

	killGrace = time.Second
)

// Command is one invocation of a linuxptp tool.
type Command struct {
	Name string
	Args []string
	// ConfigName labels metrics and log lines, e.g. "ts2phc.0.config".
	ConfigName string
	LogReduce  logfilter.Mode
}

func (c Command) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// LineHandler receives the parsed output of a supervised process. m and ev
// are nil for lines no extractor recognizes.
type LineHandler func(m *parser.Metrics, ev *parser.PTPEvent)

// Process is a supervised daemon. Done is closed once the process exited,
// whether it was stopped or died on its own.
type Process interface {
	Name() string
	ConfigName() string
	Pid() int
	// Stopped reports whether Stop was requested.
	Stopped() bool
	Done() <-chan struct{}
	// Err is the exit error, valid once Done is closed.
	Err() error
	// Stop sends SIGTERM and escalates to SIGKILL after the stop timeout.
	// It returns a Timeout error if the process still did not exit.
	Stop(ctx context.Context) error
}

// Launcher starts supervised processes.
type Launcher interface {
	Launch(ctx context.Context, cmd Command, onLine LineHandler) (Process, error)
}

// ExecLauncher runs the linuxptp binaries on the host.
type ExecLauncher struct {
	StopTimeout time.Duration
}

// Launch starts cmd and returns as soon as the process is running. Output
// is consumed and the exit observed on a separate goroutine.
func (l ExecLauncher) Launch(ctx context.Context, c Command, onLine LineHandler) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("launching %s: %v: %w", c.Name, err, errs.ErrTimeout)
	}
	cmd := exec.Command(c.Name, c.Args...)
	p := &ptpProcess{
		name:        c.Name,
		configName:  c.ConfigName,
		cmd:         cmd,
		exitCh:      make(chan struct{}),
		stopTimeout: l.StopTimeout,
		logFilters:  logfilter.GetLogFilters(c.Name, bracket(c.ConfigName), c.LogReduce),
		logParser:   parser.ForProcess(c.Name),
		onLine:      onLine,
	}
	if p.stopTimeout <= 0 {
		p.stopTimeout = 5 * time.Second
	}
	cmdReader, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating StdoutPipe for %s: %v: %w", c.Name, err, errs.ErrInternal)
	}
	// don't discard process stderr output
	cmd.Stderr = cmd.Stdout

	glog.Infof("starting %s: %s", c.Name, c)
	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %v: %w", c.Name, err, errs.ErrInternal)
	}
	processStatus(p.name, p.configName, PtpProcessUp)
	go p.cmdRun(bufio.NewScanner(cmdReader))
	return p, nil
}

func bracket(configName string) string {
	if configName == "" {
		return ""
	}
	return "[" + configName + "]"
}

func processStatus(name, configName string, status int64) {
	metrics.UpdateProcessStatusMetrics(name, configName, status)
}

type ptpProcess struct {
	name        string
	configName  string
	cmd         *exec.Cmd
	exitCh      chan struct{}
	execMutex   sync.Mutex
	stopped     bool
	err         error
	stopTimeout time.Duration
	logFilters  []*logfilter.LogFilter
	logParser   parser.MetricsExtractor
	onLine      LineHandler
}

func (p *ptpProcess) Name() string {
	return p.name
}

func (p *ptpProcess) ConfigName() string {
	return p.configName
}

func (p *ptpProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ptpProcess) Done() <-chan struct{} {
	return p.exitCh
}

func (p *ptpProcess) Err() error {
	p.execMutex.Lock()
	defer p.execMutex.Unlock()
	return p.err
}

func (p *ptpProcess) Stopped() bool {
	p.execMutex.Lock()
	me := p.stopped
	p.execMutex.Unlock()
	return me
}

func (p *ptpProcess) getAndSetStopped(val bool) bool {
	p.execMutex.Lock()
	ret := p.stopped
	p.stopped = val
	p.execMutex.Unlock()
	return ret
}

// cmdRun drains the output until the pipe closes, then reaps the process.
// There is no restart: a dead daemon is reported through Done.
func (p *ptpProcess) cmdRun(scanner *bufio.Scanner) {
	for scanner.Scan() {
		output := scanner.Text()
		if out := logfilter.FilterOutput(p.logFilters, output); out != "" {
			glog.Info(out)
		}
		p.processPTPMetrics(output)
	}
	err := p.cmd.Wait()
	glog.Infof("done waiting for %s...", p.name)
	if err != nil && !p.Stopped() {
		glog.Errorf("%s exited: %v", p.name, err)
	}
	if err == nil && !p.Stopped() {
		err = errors.New("exited with status 0")
	}
	p.execMutex.Lock()
	p.err = err
	p.execMutex.Unlock()
	processStatus(p.name, p.configName, PtpProcessDown)
	close(p.exitCh)
}

func (p *ptpProcess) processPTPMetrics(output string) {
	if p.logParser == nil {
		return
	}
	m, ev, err := p.logParser.Extract(output)
	if err != nil {
		glog.Errorf("%s: failed to parse %q: %v", p.name, output, err)
		return
	}
	if m == nil && ev == nil {
		return
	}
	if m != nil {
		metrics.UpdatePTPMetrics(m)
	}
	if ev != nil && ev.Iface != "" {
		metrics.UpdateInterfaceRoleMetrics(p.name, ev.Iface, ev.Role)
	}
	if p.onLine != nil {
		p.onLine(m, ev)
	}
}

// Stop stops the process launched by Launch. Calling it again, or after the
// process died, returns nil once the process is gone.
func (p *ptpProcess) Stop(ctx context.Context) error {
	select {
	case <-p.exitCh:
		p.getAndSetStopped(true)
		return nil
	default:
	}
	if !p.getAndSetStopped(true) {
		glog.Infof("Sending TERM to (%s) PID: %d", p.name, p.Pid())
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			glog.Errorf("failed to send SIGTERM to %s (%d): %v", p.name, p.Pid(), err)
		}
	}

	timer := time.NewTimer(p.stopTimeout)
	defer timer.Stop()
	select {
	case <-p.exitCh:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	glog.Warningf("%s (%d) ignored SIGTERM, sending KILL", p.name, p.Pid())
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		glog.Errorf("failed to kill %s (%d): %v", p.name, p.Pid(), err)
	}
	select {
	case <-p.exitCh:
		return nil
	case <-time.After(killGrace):
		return fmt.Errorf("%s (pid %d) did not exit: %w", p.name, p.Pid(), errs.ErrTimeout)
	}
}
