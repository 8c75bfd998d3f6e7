package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attendguard/attendguard/internal/proxy"
)

func TestExportFilter(t *testing.T) {
	t.Cleanup(func() { exportFlags.status, exportFlags.kind, exportFlags.from, exportFlags.to = "", "", "", "" })

	exportFlags.status = "confirmed"
	exportFlags.kind = "outside_geofence"
	exportFlags.from = "2026-03-01T00:00:00Z"
	f, err := exportFilter()
	require.NoError(t, err)
	assert.Equal(t, proxy.StatusConfirmed, f.Status)
	assert.Equal(t, proxy.KindOutsideGeofence, f.Kind)
	assert.True(t, f.From.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, f.To.IsZero())

	exportFlags.status = "maybe"
	_, err = exportFilter()
	assert.ErrorIs(t, err, proxy.ErrInvalidStatus)

	exportFlags.status = ""
	exportFlags.to = "yesterday"
	_, err = exportFilter()
	assert.Error(t, err)
}

func TestRootCommand_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "export", "mcp", "version"} {
		assert.True(t, names[want], want)
	}
}
