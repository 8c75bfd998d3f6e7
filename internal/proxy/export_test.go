package proxy

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportCSV(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, 2, func(i int, v *Violation) {
		if i == 1 {
			v.Details = `Same device used for 3 "different" students, last hour`
			v.NetworkAddress = "10.0.0.7"
			v.RiskScore = 85
		}
	})
	r := newTestReview(store)

	var buf bytes.Buffer
	require.NoError(t, r.ExportCSV(context.Background(), &buf, ListFilter{}))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, CSVHeader, rows[0])

	newest := rows[1]
	assert.Equal(t, "2026-03-02T09:01:00Z", newest[0])
	assert.Equal(t, "s1", newest[1])
	assert.Equal(t, "85", newest[5])
	assert.Equal(t, `Same device used for 3 "different" students, last hour`, newest[7])
	assert.Equal(t, "10.0.0.7", newest[8])

	oldest := rows[2]
	assert.Equal(t, "s0", oldest[1])
	assert.Equal(t, "asha@college.edu", oldest[3])
	assert.Equal(t, string(KindOutsideGeofence), oldest[4])
	assert.Equal(t, string(StatusFlagged), oldest[6])
}

func TestExportCSV_QuotesEmbeddedSeparators(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, 1, func(_ int, v *Violation) { v.Details = "a,b\n\"c\"" })

	var buf bytes.Buffer
	require.NoError(t, newTestReview(store).ExportCSV(context.Background(), &buf, ListFilter{}))
	assert.Contains(t, buf.String(), `"a,b`+"\n"+`""c"""`)
}

func TestExportCSV_PagesThroughEverything(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, exportPageSize+3, nil)

	var buf bytes.Buffer
	require.NoError(t, newTestReview(store).ExportCSV(context.Background(), &buf, ListFilter{Limit: 1}))
	lines := strings.Count(buf.String(), "\n")
	assert.Equal(t, exportPageSize+3+1, lines)
}

func TestExportCSV_Filtered(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, 4, func(i int, v *Violation) {
		if i == 2 {
			v.Kind = KindImpossibleTravel
		}
	})

	var buf bytes.Buffer
	require.NoError(t, newTestReview(store).ExportCSV(context.Background(), &buf, ListFilter{Kind: KindImpossibleTravel}))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "s2", rows[1][1])
}
