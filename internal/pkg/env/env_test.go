package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func withEnv(t *testing.T, values map[string]string) {
	t.Helper()
	prev := Env
	Env = values
	t.Cleanup(func() { Env = prev })
}

func TestGetEnvPrefersLoadedMap(t *testing.T) {
	withEnv(t, map[string]string{"SLOTBILLING_TEST_KEY": "from-map"})
	t.Setenv("SLOTBILLING_TEST_KEY", "from-os")

	assert.Equal(t, "from-map", GetEnv("SLOTBILLING_TEST_KEY", "def"))
	assert.Equal(t, "def", GetEnv("SLOTBILLING_MISSING_KEY", "def"))
}

func TestTypedHelpers(t *testing.T) {
	withEnv(t, map[string]string{
		"INT_OK":   "42",
		"INT_BAD":  "forty-two",
		"BOOL_ON":  "Yes",
		"BOOL_OFF": "nope",
		"DUR_OK":   "90s",
		"DUR_BAD":  "-5m",
	})

	assert.Equal(t, 42, GetEnvInt("INT_OK", 1))
	assert.Equal(t, 1, GetEnvInt("INT_BAD", 1))
	assert.Equal(t, 7, GetEnvInt("INT_MISSING", 7))

	assert.True(t, GetEnvBool("BOOL_ON", false))
	assert.False(t, GetEnvBool("BOOL_OFF", true))
	assert.True(t, GetEnvBool("BOOL_MISSING", true))

	assert.Equal(t, 90*time.Second, GetEnvDuration("DUR_OK", time.Minute))
	assert.Equal(t, time.Minute, GetEnvDuration("DUR_BAD", time.Minute))
	assert.Equal(t, time.Hour, GetEnvDuration("DUR_MISSING", time.Hour))
}
