package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forgepilot/forgepilot/internal/store"
)

func TestIsKnownTable(t *testing.T) {
	assert.True(t, isKnownTable("runs"))
	assert.True(t, isKnownTable("ci-checks"))
	assert.False(t, isKnownTable("runz"))
}

func TestSuggestTable_FindsCloseMatch(t *testing.T) {
	suggestion := suggestTable("run")
	assert.Contains(t, suggestion, "runs")
}

func TestIncludesTable(t *testing.T) {
	assert.True(t, includesTable("", "runs"))
	assert.True(t, includesTable("runs", "runs"))
	assert.False(t, includesTable("runs", "reviews"))
}

func TestSelectedTotal(t *testing.T) {
	counts := &store.PendingCounts{Runs: 3, Reviews: 2, CycleStates: 1}
	assert.Equal(t, 3, selectedTotal(counts, "runs"))
	assert.Equal(t, 0, selectedTotal(counts, "ci-checks"))
	assert.Equal(t, 6, selectedTotal(counts, ""))
}
