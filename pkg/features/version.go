package features

import (
	"context"
	"fmt"
	"strings"

	semver "github.com/Masterminds/semver/v3"
	"github.com/golang/glog"

	"github.com/timenic/timenic-daemon/pkg/utils"
)

func getSemver(versionStr string) (*semver.Version, error) {
	// Parses a version that looks like the following
	// "3.1.1"
	// "4.2"
	// "4.2-1.el9_4"
	// "4.3-1ubuntu1"
	//
	// Distribution suffixes may contain "_" which semver rejects
	// in the pre-release identifier, so it is replaced with a dot
	v, err := semver.NewVersion(
		strings.ReplaceAll(strings.TrimSpace(versionStr), "_", "."),
	)
	return v, err
}

func mustGetSemver(versionStr string) *semver.Version {
	v, err := getSemver(versionStr)
	if err != nil {
		panic(fmt.Sprintf("Invalid Version %s", err))
	}
	return v
}

// GetLinuxPTPVersion asks ptp4l for its version. `ptp4l -v` prints the bare
// release such as "4.2".
func GetLinuxPTPVersion(ctx context.Context, runner utils.Runner) (string, error) {
	out, err := runner.Run(ctx, "ptp4l", "-v")
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", fmt.Errorf("empty ptp4l version output")
	}
	version := fields[len(fields)-1]
	glog.Infof("linuxptp version is: %s", version)
	return version, nil
}
