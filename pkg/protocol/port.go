package protocol

import (
	"strings"

	fbprotocol "github.com/facebook/time/ptp/protocol"

	"github.com/timenic/timenic-daemon/pkg/parser/constants"
)

// messageNames lists the message types in the order PORT_STATS_NP prints
// them, with the spelling linuxptp uses.
var messageNames = []struct {
	name string
	t    fbprotocol.MessageType
}{
	{"Sync", fbprotocol.MessageSync},
	{"Delay_Req", fbprotocol.MessageDelayReq},
	{"Pdelay_Req", fbprotocol.MessagePDelayReq},
	{"Pdelay_Resp", fbprotocol.MessagePDelayResp},
	{"Follow_Up", fbprotocol.MessageFollowUp},
	{"Delay_Resp", fbprotocol.MessageDelayResp},
	{"Pdelay_Resp_Follow_Up", fbprotocol.MessagePDelayRespFollowUp},
	{"Announce", fbprotocol.MessageAnnounce},
	{"Signaling", fbprotocol.MessageSignaling},
	{"Management", fbprotocol.MessageManagement},
}

// MessageName returns the linuxptp spelling of t.
func MessageName(t fbprotocol.MessageType) string {
	for _, m := range messageNames {
		if m.t == t {
			return m.name
		}
	}
	return t.String()
}

// PortStatsNP holds the per message type counters of PORT_STATS_NP.
type PortStatsNP struct {
	PortIdentity string
	RX           map[fbprotocol.MessageType]uint64
	TX           map[fbprotocol.MessageType]uint64
}

// Keys returns variables names in order of pmc command results
func (p *PortStatsNP) Keys() []string {
	keys := []string{"portIdentity"}
	for _, dir := range []string{"rx_", "tx_"} {
		for _, m := range messageNames {
			keys = append(keys, dir+m.name)
		}
	}
	return keys
}

// ValueRegEx ...
func (p *PortStatsNP) ValueRegEx() map[string]string {
	res := map[string]string{"portIdentity": `[\da-f.]+-\d+`}
	for _, k := range p.Keys()[1:] {
		res[k] = `\d+`
	}
	return res
}

// RegEx ...
func (p *PortStatsNP) RegEx() string {
	return buildDataSetRegex(p.Keys(), p.ValueRegEx(), true, nil)
}

// Update ...
func (p *PortStatsNP) Update(key string, value string) {
	if key == "portIdentity" {
		p.PortIdentity = value
		return
	}
	if p.RX == nil {
		p.RX = map[fbprotocol.MessageType]uint64{}
		p.TX = map[fbprotocol.MessageType]uint64{}
	}
	dir, name, ok := strings.Cut(key, "_")
	if !ok {
		return
	}
	for _, m := range messageNames {
		if m.name != name {
			continue
		}
		if dir == "rx" {
			p.RX[m.t] = stou64(value)
		} else {
			p.TX[m.t] = stou64(value)
		}
	}
}

// PortDataSet is the subset of PORT_DATA_SET the monitor shows.
type PortDataSet struct {
	PortIdentity           string
	PortState              string
	LogMinDelayReqInterval int
	PeerMeanPathDelay      int
	LogAnnounceInterval    int
	AnnounceReceiptTimeout int
	LogSyncInterval        int
	DelayMechanism         int
}

// Keys returns variables names in order of pmc command results
func (p *PortDataSet) Keys() []string {
	return []string{"portIdentity", "portState", "logMinDelayReqInterval", "peerMeanPathDelay",
		"logAnnounceInterval", "announceReceiptTimeout", "logSyncInterval", "delayMechanism"}
}

// ValueRegEx ...
func (p *PortDataSet) ValueRegEx() map[string]string {
	return map[string]string{
		"portIdentity":           `[\da-f.]+-\d+`,
		"portState":              `[A-Z_]+`,
		"logMinDelayReqInterval": `-?\d+`,
		"peerMeanPathDelay":      `-?\d+`,
		"logAnnounceInterval":    `-?\d+`,
		"announceReceiptTimeout": `\d+`,
		"logSyncInterval":        `-?\d+`,
		"delayMechanism":         `\d+`,
	}
}

// RegEx ...
func (p *PortDataSet) RegEx() string {
	return buildDataSetRegex(p.Keys(), p.ValueRegEx(), true, nil)
}

// Update ...
func (p *PortDataSet) Update(key string, value string) {
	switch key {
	case "portIdentity":
		p.PortIdentity = value
	case "portState":
		p.PortState = value
	case "logMinDelayReqInterval":
		p.LogMinDelayReqInterval = stoi(value)
	case "peerMeanPathDelay":
		p.PeerMeanPathDelay = stoi(value)
	case "logAnnounceInterval":
		p.LogAnnounceInterval = stoi(value)
	case "announceReceiptTimeout":
		p.AnnounceReceiptTimeout = stoi(value)
	case "logSyncInterval":
		p.LogSyncInterval = stoi(value)
	case "delayMechanism":
		p.DelayMechanism = stoi(value)
	}
}

// Role maps the port state to the role exported as interface_role.
func (p *PortDataSet) Role() constants.PTPPortRole {
	switch p.PortState {
	case "SLAVE", "UNCALIBRATED":
		return constants.PortRoleSlave
	case "MASTER", "PRE_MASTER", "GRAND_MASTER":
		return constants.PortRoleMaster
	case "PASSIVE":
		return constants.PortRolePassive
	case "FAULTY", "DISABLED":
		return constants.PortRoleFaulty
	case "LISTENING", "INITIALIZING":
		return constants.PortRoleListening
	}
	return constants.PortRoleUnknown
}
