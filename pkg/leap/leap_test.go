package leap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const leapData = `#	Updated through IERS Bulletin C
#$	 3913697179
#@	 3960057600
#
2272060800	10	# 1 Jan 1972
2287785600	11	# 1 Jul 1972
3644697600	36	# 1 Jul 2015
3692217600	37	# 1 Jan 2017
`

func writeLeapFile(t *testing.T, data string) string {
	path := filepath.Join(t.TempDir(), "leap-seconds.list")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestParseLeapFile(t *testing.T) {
	l, err := parseLeapFile([]byte(leapData))
	require.NoError(t, err)
	assert.Equal(t, "3913697179", l.UpdateTime)
	assert.Equal(t, "3960057600", l.ExpirationTime)
	require.Len(t, l.LeapEvents, 4)
	assert.Equal(t, 37, l.LeapEvents[3].LeapSec)
	assert.Equal(t, "# 1 Jan 2017", l.LeapEvents[3].Comment)

	_, err = parseLeapFile([]byte("# nothing here\n"))
	assert.Error(t, err)
}

func TestUTCOffset(t *testing.T) {
	l, err := parseLeapFile([]byte(leapData))
	require.NoError(t, err)
	assert.Equal(t, 36, l.UTCOffset(time.Date(2016, time.June, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 37, l.UTCOffset(time.Date(2017, time.January, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 37, l.UTCOffset(time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 10, l.UTCOffset(time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)))

	assert.False(t, l.Expired(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, l.Expired(time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)))
}

func TestProvider(t *testing.T) {
	p := NewProvider(writeLeapFile(t, leapData), 0)
	assert.Equal(t, 37, p.UTCOffset(time.Now()))

	missing := NewProvider(filepath.Join(t.TempDir(), "absent"), 37)
	assert.Equal(t, 37, missing.UTCOffset(time.Now()))
}
