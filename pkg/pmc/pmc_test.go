package pmc

import (
	"testing"

	fbprotocol "github.com/facebook/time/ptp/protocol"
	"github.com/stretchr/testify/assert"

	"github.com/timenic/timenic-daemon/pkg/protocol"
)

func TestNewStats(t *testing.T) {
	s := NewStats(&protocol.PortStatsNP{
		PortIdentity: "a0369f.fffe.fdb6a0-1",
		RX: map[fbprotocol.MessageType]uint64{
			fbprotocol.MessageSync:      100,
			fbprotocol.MessageFollowUp:  100,
			fbprotocol.MessageDelayResp: 98,
			fbprotocol.MessageAnnounce:  50,
		},
		TX: map[fbprotocol.MessageType]uint64{
			fbprotocol.MessageDelayReq: 99,
		},
	})
	assert.Equal(t, uint64(100), s.Sync)
	assert.Equal(t, uint64(99), s.DelayReq)
	assert.Equal(t, uint64(348), s.MasterPackets)
	assert.Equal(t, uint64(99), s.SlavePackets)
	assert.Equal(t, uint64(98), s.RX["Delay_Resp"])
	assert.Equal(t, uint64(99), s.TX["Delay_Req"])
}

func TestNewPortStatus(t *testing.T) {
	ps := NewPortStatus(&protocol.PortDataSet{PortState: "MASTER", LogSyncInterval: -3})
	assert.Equal(t, "MASTER", ps.PortState)
	assert.Equal(t, -3, ps.LogSyncInterval)
	assert.Equal(t, "MASTER", ps.Role)
}
