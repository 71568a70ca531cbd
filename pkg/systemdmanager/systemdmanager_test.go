package systemdmanager

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOp(t *testing.T) {
	for in, want := range map[string]Op{"": OpRestart, "Start": OpStart, " stop ": OpStop, "reload": OpReload} {
		got, err := ParseOp(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseOp("kill")
	assert.True(t, errors.Is(err, ErrInvalidOp))
}

func TestUnitName(t *testing.T) {
	assert.Equal(t, "nginx.service", UnitName("nginx"))
	assert.Equal(t, "nginx.service", UnitName("nginx.service"))
	assert.Equal(t, "backup.timer", UnitName("backup.timer"))
	assert.Equal(t, "my.app.service", UnitName("my.app"))
}

func TestProps(t *testing.T) {
	props := map[string]any{
		"ActiveState":          "active",
		"ActiveEnterTimestamp": uint64(1_700_000_000_123_456),
		"StateChangeTimestamp": uint64(0),
	}
	assert.Equal(t, "active", stringProp(props, "ActiveState"))
	assert.Equal(t, "", stringProp(props, "SubState"))
	assert.True(t, parseTimestamp(props, "ActiveEnterTimestamp").Equal(time.UnixMicro(1_700_000_000_123_456)))
	assert.True(t, parseTimestamp(props, "StateChangeTimestamp").IsZero())
	assert.True(t, isNoSuchUnitErr(errors.New("org.freedesktop.systemd1.NoSuchUnit: x")))
	assert.False(t, isNoSuchUnitErr(nil))
}
