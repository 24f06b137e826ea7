package features

import (
	"fmt"

	semver "github.com/Masterminds/semver/v3"
	"github.com/golang/glog"
)

// Versions of linuxptp we compare too
const (
	linuxPTPVersion31 = "3.1"
	linuxPTPVersion40 = "4.0"
	linuxPTPVersion42 = "4.2"
)

// Comparible versions the semver version we compare to
var (
	VersionLinuxPTP31 = mustGetSemver(linuxPTPVersion31)
	VersionLinuxPTP40 = mustGetSemver(linuxPTPVersion40)
	VersionLinuxPTP42 = mustGetSemver(linuxPTPVersion42)
)

func getLinuxPTPFeatures(versionStr string) *Features {
	res := &Features{Version: versionStr}
	version, err := getSemver(versionStr)
	if err != nil {
		glog.Errorf("Failed to parse linuxptp version '%s', assuming oldest feature set: %v", versionStr, err)
		return res
	}
	// distribution release suffixes parse as pre-releases, compare the core only
	version = semver.MustParse(fmt.Sprintf("%d.%d.%d", version.Major(), version.Minor(), version.Patch()))

	if version.Compare(VersionLinuxPTP31) >= 0 {
		res.MessageTag = true
	}

	if version.Compare(VersionLinuxPTP40) >= 0 {
		res.TS2PHCPHCSource = true
	}

	if version.Compare(VersionLinuxPTP42) >= 0 {
		res.LogSeverity = true
		res.TS2PHCHoldover = true
	}
	return res
}
