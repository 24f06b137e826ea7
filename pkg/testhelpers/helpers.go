package testhelpers

import (
	"testing"

	"github.com/timenic/timenic-daemon/pkg/features"
)

// WithLinuxPTP sets the feature flags of the given linuxptp release for the
// duration of the test.
func WithLinuxPTP(t testing.TB, version string) {
	t.Helper()
	old := features.Flags
	features.SetFlags(version)
	t.Cleanup(func() { features.Flags = old })
}

// WithFlags installs f for the duration of the test.
func WithFlags(t testing.TB, f features.Features) {
	t.Helper()
	old := features.Flags
	features.Flags = &f
	t.Cleanup(func() { features.Flags = old })
}
