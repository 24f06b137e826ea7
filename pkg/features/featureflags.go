package features

import (
	"github.com/golang/glog"
)

// Flags feature flags
var Flags *Features

func init() {
	Flags = &Features{}
}

// Features gates command line options by the installed linuxptp release.
type Features struct {
	Version string
	// MessageTag: --message_tag accepted by every tool.
	MessageTag bool
	// LogSeverity: tags carry the ":<level>" suffix.
	LogSeverity bool
	// TS2PHCPHCSource: ts2phc takes a PHC as pulse source (-s /dev/ptpN).
	TS2PHCPHCSource bool
	// TS2PHCHoldover: ts2phc accepts ts2phc.holdover and reports "holdover"
	// when the source disappears.
	TS2PHCHoldover bool
}

// Print prints
// out the internal values of feature gflags
func (f Features) Print() {
	glog.Info("linuxptp version: ", f.Version)
	glog.Info("MessageTag: ", f.MessageTag)
	glog.Info("LogSeverity: ", f.LogSeverity)
	glog.Info("TS2PHC PHC source: ", f.TS2PHCPHCSource)
	glog.Info("TS2PHC holdover: ", f.TS2PHCHoldover)
}

// SetFlags sets the feature flags based on the linuxptp version
func SetFlags(linuxptpVersion string) {
	Flags = getLinuxPTPFeatures(linuxptpVersion)
}
