package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecommendBatch_Deterministic(t *testing.T) {
	capacity := Capacity{MaxRequestBytes: 100_000, MaxOutputTokens: 8192}

	a := RecommendBatch(capacity, 2000, 150)
	b := RecommendBatch(capacity, 2000, 150)
	assert.Equal(t, a, b)
}

func TestRecommendBatch_RequestBound(t *testing.T) {
	capacity := Capacity{MaxRequestBytes: 22_048, MaxOutputTokens: 100_000}

	plan := RecommendBatch(capacity, 2000, 10)
	// (22048 - 2048) / 2000 = 10 records; output budget is not the binding limit.
	assert.Equal(t, 10, plan.RecordsPerChunk)
	assert.Equal(t, 20_000, plan.ByteThreshold)
	assert.Equal(t, int64(10*10+outputOverheadTokens), plan.MaxOutputTokens)
}

func TestRecommendBatch_OutputBound(t *testing.T) {
	capacity := Capacity{MaxRequestBytes: 1_000_000, MaxOutputTokens: 1256}

	plan := RecommendBatch(capacity, 100, 200)
	// (1256 - 256) / 200 = 5 records: the output budget binds.
	assert.Equal(t, 5, plan.RecordsPerChunk)
	assert.Equal(t, int64(1256), plan.MaxOutputTokens)
}

func TestRecommendBatch_AlwaysAtLeastOneRecord(t *testing.T) {
	plan := RecommendBatch(Capacity{MaxRequestBytes: 100, MaxOutputTokens: 100}, 50_000, 5000)
	assert.Equal(t, 1, plan.RecordsPerChunk)
}

func TestRecommendBatch_ZeroAvgSize(t *testing.T) {
	plan := RecommendBatch(Capacity{MaxRequestBytes: 10_000, MaxOutputTokens: 4096}, 0, 0)
	assert.GreaterOrEqual(t, plan.RecordsPerChunk, 1)
	assert.Equal(t, int64(4096), plan.MaxOutputTokens)
}
