// Package alias names the ports of one adapter by a common label, e.g.
// enp3s0 and enp3s1 sharing /dev/ptp0 both become "enp3sx".
package alias

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/golang/glog"
)

const helpText = "You might want to consider enforcing path or slot based names with systemd udev rules"

// Intel: enp3s0 -> enp3sx, eth0.100 -> ethx.100
// Mellanox: enP2s2f0np0 -> enP2s2fx
var ifnamePattern = regexp.MustCompile(`^(.+?)(\d+)(?:np\d+)?(\..+)?$`)

// Value returns the alias an interface name maps to on its own, or the name
// itself when it does not follow a known naming scheme.
func Value(ifname string) string {
	m := ifnamePattern.FindStringSubmatch(ifname)
	if len(m) < 3 {
		return ifname
	}
	return m[1] + "x" + m[3]
}

// Compute maps every interface to the alias of its PHC group. byPHC lists
// the interfaces per PHC. A group whose members disagree, or two groups
// landing on the same alias, fall back to the plain interface names.
func Compute(byPHC map[string][]string) map[string]string {
	aliases := map[string]string{}
	var problems []error

	phcs := make([]string, 0, len(byPHC))
	for phc := range byPHC {
		phcs = append(phcs, phc)
	}
	sort.Strings(phcs)

	seen := map[string][]string{}
	for _, phc := range phcs {
		group := byPHC[phc]
		if len(group) == 0 {
			continue
		}
		first := Value(group[0])
		ungroup := false
		for _, i := range group[1:] {
			if Value(i) != first {
				ungroup = true
				break
			}
		}
		if ungroup {
			problems = append(problems, fmt.Errorf(
				"interfaces ['%s'] do not alias to a common value, falling back to interface names. %s",
				strings.Join(group, "', '"), helpText))
			for _, i := range group {
				aliases[i] = i
			}
			continue
		}
		for _, i := range group {
			aliases[i] = first
		}
		seen[first] = append(seen[first], phc)
	}

	for a, ids := range seen {
		if len(ids) < 2 {
			continue
		}
		var names []string
		for _, phc := range ids {
			for _, i := range byPHC[phc] {
				aliases[i] = i
				names = append(names, i)
			}
		}
		problems = append(problems, fmt.Errorf(
			"PHCs %v share the alias %q, falling back to interface names ['%s']. %s",
			ids, a, strings.Join(names, "', '"), helpText))
	}

	if len(problems) > 0 {
		glog.Warning(errors.Join(problems...))
	}
	return aliases
}
