package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvFallsBackToDefault(t *testing.T) {
	assert.Equal(t, "fallback", GetEnv("KILLFEED_UNSET_VAR", "fallback"))
}

func TestGetEnvReturnsSetValue(t *testing.T) {
	t.Setenv("KILLFEED_TEST_VAR", "value")
	assert.Equal(t, "value", GetEnv("KILLFEED_TEST_VAR", "fallback"))
}

func TestGetBoolEnvParsesOrFallsBack(t *testing.T) {
	t.Setenv("KILLFEED_TEST_BOOL", "true")
	assert.True(t, GetBoolEnv("KILLFEED_TEST_BOOL", false))
	assert.False(t, GetBoolEnv("KILLFEED_UNSET_BOOL", false))
}

func TestGetIntEnvParsesOrFallsBack(t *testing.T) {
	t.Setenv("KILLFEED_TEST_INT", "42")
	assert.Equal(t, 42, GetIntEnv("KILLFEED_TEST_INT", 0))
	assert.Equal(t, 7, GetIntEnv("KILLFEED_UNSET_INT", 7))
}

func TestGetEnvIntSliceParsesCommaSeparated(t *testing.T) {
	t.Setenv("KILLFEED_TEST_SLICE", "1, 2,3, ,x")
	assert.Equal(t, []int{1, 2, 3}, GetEnvIntSlice("KILLFEED_TEST_SLICE"))
}

func TestGetEnvIntSliceEmptyWhenUnset(t *testing.T) {
	assert.Equal(t, []int{}, GetEnvIntSlice("KILLFEED_UNSET_SLICE"))
}

func TestMustGetEnvPanicsWhenUnset(t *testing.T) {
	assert.Panics(t, func() { MustGetEnv("KILLFEED_UNSET_REQUIRED") })
}

func TestGetDurationEnvSupportsDaySuffix(t *testing.T) {
	t.Setenv("KILLFEED_TEST_DURATION", "2d")
	assert.Equal(t, 48*time.Hour, GetDurationEnv("KILLFEED_TEST_DURATION", time.Minute))
}

func TestGetDurationEnvFallsBackOnUnparsable(t *testing.T) {
	t.Setenv("KILLFEED_TEST_DURATION_BAD", "not-a-duration")
	assert.Equal(t, time.Minute, GetDurationEnv("KILLFEED_TEST_DURATION_BAD", time.Minute))
}
