// Package pmc queries a running ptp4l through the pmc management client.
package pmc

import (
	"context"
	"fmt"
	"regexp"
	"time"

	fbprotocol "github.com/facebook/time/ptp/protocol"
	"github.com/golang/glog"
	expect "github.com/google/goexpect"

	"github.com/timenic/timenic-daemon/pkg/errs"
	"github.com/timenic/timenic-daemon/pkg/protocol"
)

var (
	cmdGetPortStatsNP = "GET PORT_STATS_NP"
	cmdGetPortDataSet = "GET PORT_DATA_SET"
	cmdTimeout        = 2 * time.Second
	numRetry          = 3
	pmcCmdConstPart   = "pmc -u -b 0 -f "
	portStatsNPRegExp = regexp.MustCompile((&protocol.PortStatsNP{}).RegEx())
	portDataSetRegExp = regexp.MustCompile((&protocol.PortDataSet{}).RegEx())
)

// Stats is the monitor view of the PTP message counters of one port.
type Stats struct {
	PortIdentity string `json:"port_identity"`
	Sync         uint64 `json:"sync"`
	DelayReq     uint64 `json:"delay_req"`
	DelayResp    uint64 `json:"delay_resp"`
	FollowUp     uint64 `json:"follow_up"`
	Announce     uint64 `json:"announce"`
	// MasterPackets counts messages only a master originates, SlavePackets
	// the ones only a slave originates, both directions summed.
	MasterPackets uint64            `json:"master_packets"`
	SlavePackets  uint64            `json:"slave_packets"`
	RX            map[string]uint64 `json:"rx"`
	TX            map[string]uint64 `json:"tx"`
}

// NewStats condenses PORT_STATS_NP.
func NewStats(p *protocol.PortStatsNP) *Stats {
	both := func(t fbprotocol.MessageType) uint64 { return p.RX[t] + p.TX[t] }
	s := &Stats{
		PortIdentity: p.PortIdentity,
		Sync:         both(fbprotocol.MessageSync),
		DelayReq:     both(fbprotocol.MessageDelayReq),
		DelayResp:    both(fbprotocol.MessageDelayResp),
		FollowUp:     both(fbprotocol.MessageFollowUp),
		Announce:     both(fbprotocol.MessageAnnounce),
		RX:           map[string]uint64{},
		TX:           map[string]uint64{},
	}
	s.MasterPackets = s.Sync + s.FollowUp + s.Announce + s.DelayResp
	s.SlavePackets = s.DelayReq
	for t, v := range p.RX {
		s.RX[protocol.MessageName(t)] = v
	}
	for t, v := range p.TX {
		s.TX[protocol.MessageName(t)] = v
	}
	return s
}

// PortStatus is the monitor view of PORT_DATA_SET.
type PortStatus struct {
	PortIdentity        string `json:"port_identity"`
	PortState           string `json:"port_state"`
	Role                string `json:"role"`
	LogSyncInterval     int    `json:"log_sync_interval"`
	LogAnnounceInterval int    `json:"log_announce_interval"`
	DelayMechanism      int    `json:"delay_mechanism"`
}

// NewPortStatus ...
func NewPortStatus(p *protocol.PortDataSet) *PortStatus {
	return &PortStatus{
		PortIdentity:        p.PortIdentity,
		PortState:           p.PortState,
		Role:                p.Role().String(),
		LogSyncInterval:     p.LogSyncInterval,
		LogAnnounceInterval: p.LogAnnounceInterval,
		DelayMechanism:      p.DelayMechanism,
	}
}

// Client queries the ptp4l instance owning configFile.
type Client interface {
	PortStats(ctx context.Context, configFile string) (*protocol.PortStatsNP, error)
	PortDataSet(ctx context.Context, configFile string) (*protocol.PortDataSet, error)
}

// ExpectClient drives the pmc binary with goexpect.
type ExpectClient struct{}

// PortStats ... GET PORT_STATS_NP
func (ExpectClient) PortStats(ctx context.Context, configFile string) (*protocol.PortStatsNP, error) {
	return runPMCExp[protocol.PortStatsNP](ctx, configFile, cmdGetPortStatsNP, portStatsNPRegExp)
}

// PortDataSet ... GET PORT_DATA_SET
func (ExpectClient) PortDataSet(ctx context.Context, configFile string) (*protocol.PortDataSet, error) {
	return runPMCExp[protocol.PortDataSet](ctx, configFile, cmdGetPortDataSet, portDataSetRegExp)
}

// runPMCExp ... go expect to run PMC util cmd
func runPMCExp[P any, T interface {
	*P
	protocol.DataSet
}](ctx context.Context, configFile, cmdStr string, re *regexp.Regexp) (T, error) {
	pmcCmd := pmcCmdConstPart + configFile
	glog.V(2).Infof("%s \"%s\"", pmcCmd, cmdStr)
	e, r, err := expect.Spawn(pmcCmd, -1)
	if err != nil {
		return nil, fmt.Errorf("spawning pmc: %v: %w", err, errs.ErrInternal)
	}
	defer closeSession(ctx, e, r, quitWait)

	for i := 0; i < numRetry; i++ {
		if ctx.Err() != nil {
			break
		}
		if err = e.Send(cmdStr + "\n"); err != nil {
			return nil, fmt.Errorf("pmc send %s: %v: %w", cmdStr, err, errs.ErrInternal)
		}
		result, matches, err1 := e.Expect(re, cmdTimeout)
		if err1 != nil {
			if _, ok := err1.(expect.TimeoutError); ok {
				continue
			}
			glog.Errorf("pmc result match error %v", err1)
			return nil, fmt.Errorf("pmc %s: %v: %w", cmdStr, err1, errs.ErrInternal)
		}
		glog.V(2).Infof("pmc result: %s", result)
		return protocol.ProcessMessage[P, T](matches)
	}
	return nil, fmt.Errorf("pmc %s: no answer from ptp4l: %w", cmdStr, errs.ErrTimeout)
}
