package ai

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateCost(t *testing.T) {
	prices := map[string]float64{"gpt-4": 0.03, "chemistry_agent": 0.001}

	assert.InDelta(t, 0.03, EstimateCost(1000, "gpt-4", prices), 1e-12)
	assert.InDelta(t, 0.0005, EstimateCost(500, "chemistry_agent", prices), 1e-12)
	assert.Zero(t, EstimateCost(1000, "unknown", prices))
	assert.Zero(t, EstimateCost(1000, "gpt-4", nil))
}

// CountTokens may download encoding data, so it only runs when asked to.
func TestCountTokens(t *testing.T) {
	if os.Getenv("SEARCHLOG_TEST_TIKTOKEN") == "" {
		t.Skip("set SEARCHLOG_TEST_TIKTOKEN=1 to run tokenizer tests")
	}

	n, err := CountTokens("gpt-4", "What is the SMILES for aspirin?")
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	m, err := CountTokens("chemistry_agent", "What is the SMILES for aspirin?")
	require.NoError(t, err)
	assert.Equal(t, n, m, "unknown models use the gpt-4 encoding")
}
