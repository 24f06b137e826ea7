package daemon

import (
	"fmt"
	"strconv"

	"github.com/timenic/timenic-daemon/pkg/features"
	"github.com/timenic/timenic-daemon/pkg/logfilter"
	"github.com/timenic/timenic-daemon/pkg/parser/constants"
)

// TS2PHCSourceGeneric selects an external PPS on the target's pin.
const TS2PHCSourceGeneric = "generic"

// SystemClock is the phc2sys name of the system clock.
const SystemClock = "CLOCK_REALTIME"

// ConfigName returns the label linuxptp prints in its message tag.
func ConfigName(tool string, index int) string {
	return fmt.Sprintf("%s.%d.config", tool, index)
}

// messageTag renders the message_tag value, with the severity placeholder
// when the installed release substitutes it.
func messageTag(configName string) string {
	if features.Flags.LogSeverity {
		return "[" + configName + ":{level}]"
	}
	return bracket(configName)
}

// TS2PHCCommand runs ts2phc against a rendered config. source is
// TS2PHCSourceGeneric or the path of a PHC emitting PPS.
func TS2PHCCommand(configPath, configName, source string, reduce logfilter.Mode) Command {
	return Command{
		Name:       constants.TS2PHC,
		Args:       []string{"-f", configPath, "-s", source, "-m"},
		ConfigName: configName,
		LogReduce:  reduce,
	}
}

// PHC2SysCommand disciplines target from source. Both are PHCs running TAI,
// hence -O 0. Non-zero kp and ki replace the phc2sys PI defaults.
func PHC2SysCommand(source, target, configName string, kp, ki float64, reduce logfilter.Mode) Command {
	args := []string{"-s", source, "-c", target, "-O", "0", "-m"}
	if kp > 0 {
		args = append(args, "-P", formatFloat(kp))
	}
	if ki > 0 {
		args = append(args, "-I", formatFloat(ki))
	}
	if features.Flags.MessageTag {
		args = append(args, "--message_tag", messageTag(configName))
	}
	return Command{
		Name:       constants.PHC2SYS,
		Args:       args,
		ConfigName: configName,
		LogReduce:  reduce,
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// PTP4LCommand runs ptp4l on iface with a rendered config.
func PTP4LCommand(configPath, iface, configName string, reduce logfilter.Mode) Command {
	return Command{
		Name:       constants.PTP4L,
		Args:       []string{"-f", configPath, "-i", iface, "-m"},
		ConfigName: configName,
		LogReduce:  reduce,
	}
}

// PHCCtlAlignArgs sets device from the system clock and shifts it by the
// TAI-UTC offset so it runs TAI.
func PHCCtlAlignArgs(device string, taiOffset int) []string {
	return []string{device, "set", "adj", strconv.Itoa(taiOffset)}
}
