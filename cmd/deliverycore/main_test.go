package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseWindow_AcceptsRFC3339AndDates(t *testing.T) {
	from, to, err := parseWindow("2025-03-01T00:00:00Z", "2025-03-08T00:00:00Z")
	require.NoError(t, err)
	require.Equal(t, 7*24*time.Hour, to.Sub(from))

	from, to, err = parseWindow("2025-03-01", "2025-03-02")
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, to.Sub(from))
}

func TestParseWindow_RejectsReversedOrMalformed(t *testing.T) {
	_, _, err := parseWindow("2025-03-08", "2025-03-01")
	require.Error(t, err)

	_, _, err = parseWindow("yesterday", "2025-03-01")
	require.Error(t, err)

	_, _, err = parseWindow("2025-03-01", "2025-03-01")
	require.Error(t, err)
}

func TestRun_UnknownSubcommandIsConfigError(t *testing.T) {
	require.Equal(t, exitConfig, run([]string{"frobnicate"}))
	require.Equal(t, exitConfig, run(nil))
}
