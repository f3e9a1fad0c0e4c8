package fusion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridfuse/resilience/models"
)

func testConfigs() map[string]models.SourceConfig {
	return map[string]models.SourceConfig{
		"A": {
			ID: "A", Priority: 1,
			Quality: models.QualityBaseline{Accuracy: 0.9, Completeness: 0.9, Timeliness: 0.9, Reliability: 0.9},
		},
		"B": {
			ID: "B", Priority: 2,
			Quality: models.QualityBaseline{Accuracy: 0.9, Completeness: 0.9, Timeliness: 0.9, Reliability: 0.9},
		},
		"C": {
			ID: "C", Priority: 3,
			Quality: models.QualityBaseline{Accuracy: 0.5, Completeness: 0.5, Timeliness: 0.5, Reliability: 0.5},
		},
	}
}

func newTestEngine() *Engine {
	configs := testConfigs()
	lookup := func(id string) (models.SourceConfig, bool) {
		cfg, ok := configs[id]
		return cfg, ok
	}
	quality := func(id string) float64 {
		cfg, ok := configs[id]
		if !ok {
			return 0.5
		}
		q := cfg.Quality
		return (q.Accuracy + q.Completeness + q.Timeliness + q.Reliability) / 4
	}
	return NewEngine(lookup, quality)
}

func contribution(id string, data any, latency time.Duration) models.SourceContribution {
	return models.SourceContribution{
		SourceID: id,
		Status:   models.ContributionSuccess,
		Data:     data,
		Latency:  latency,
	}
}

func TestWeightedAverageTwoNumericSources(t *testing.T) {
	e := newTestEngine()
	res, err := e.Fuse("numerical", 0, []models.SourceContribution{
		contribution("A", 10.0, 100*time.Millisecond),
		contribution("B", 12.0, 200*time.Millisecond),
	})
	require.NoError(t, err)
	assert.Equal(t, AlgorithmWeightedAverage, res.Algorithm)

	fused, ok := res.Data.(float64)
	require.True(t, ok)
	assert.InDelta(t, 10.9, fused, 0.1)
	assert.GreaterOrEqual(t, res.Confidence, 0.7)
	for _, w := range res.Contributions {
		assert.GreaterOrEqual(t, w.Weight, 0.1)
		assert.LessOrEqual(t, w.Weight, 1.0)
	}
	for _, warning := range res.Warnings {
		assert.NotContains(t, warning, "below requested minimum")
	}
}

func TestWeightedAverageOrderIndependent(t *testing.T) {
	e := newTestEngine()
	forward, err := e.Fuse("numerical", 0, []models.SourceContribution{
		contribution("A", 10.0, 100*time.Millisecond),
		contribution("B", 12.0, 200*time.Millisecond),
	})
	require.NoError(t, err)
	reversed, err := e.Fuse("numerical", 0, []models.SourceContribution{
		contribution("B", 12.0, 200*time.Millisecond),
		contribution("A", 10.0, 100*time.Millisecond),
	})
	require.NoError(t, err)
	assert.InDelta(t, forward.Data.(float64), reversed.Data.(float64), 1e-9)
	assert.InDelta(t, forward.Confidence, reversed.Confidence, 1e-9)
}

func TestWeightedAverageRejectsNonNumeric(t *testing.T) {
	e := newTestEngine()
	_, err := e.Fuse("numerical", 0, []models.SourceContribution{
		contribution("A", "not a number", 0),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrFusion)
}

func TestMajorityVote(t *testing.T) {
	e := newTestEngine()
	res, err := e.Fuse("categorical", 0, []models.SourceContribution{
		contribution("A", "solar", 50*time.Millisecond),
		contribution("B", "solar", 50*time.Millisecond),
		contribution("C", "wind", 50*time.Millisecond),
	})
	require.NoError(t, err)
	assert.Equal(t, "solar", res.Data)
	assert.Greater(t, res.Confidence, 0.5)
	assert.LessOrEqual(t, res.Confidence, 1.0)
}

func TestTemporalFusionAnnotatesAndDecays(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := newTestEngine().WithClock(func() time.Time { return now })

	fresh := []models.TimePoint{{Timestamp: now.Add(-time.Hour), Value: 5}}
	stale := []models.TimePoint{{Timestamp: now.Add(-24 * time.Hour), Value: 7}}
	res, err := e.Fuse("timeseries", 0, []models.SourceContribution{
		contribution("A", fresh, 50*time.Millisecond),
		contribution("B", stale, 50*time.Millisecond),
	})
	require.NoError(t, err)
	points, ok := res.Data.([]TemporalPoint)
	require.True(t, ok)
	require.Len(t, points, 2)

	byID := map[string]TemporalPoint{}
	for _, p := range points {
		byID[p.SourceID] = p
	}
	baseWeights := map[string]float64{}
	for _, c := range res.Contributions {
		baseWeights[c.SourceID] = c.Weight
	}
	// A 24h-old point decays to half its contribution weight (24h half-life).
	assert.InDelta(t, baseWeights["B"]/2, byID["B"].Weight, 1e-9)
	assert.Less(t, byID["B"].Weight, byID["A"].Weight)
	assert.Equal(t, 5.0, byID["A"].Value)
}

func TestTemporalRejectsEmptySeries(t *testing.T) {
	e := newTestEngine()
	_, err := e.Fuse("timeseries", 0, []models.SourceContribution{
		contribution("A", []models.TimePoint{}, 0),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrFusion)
}

func TestQualitySelectionForUnknownDataType(t *testing.T) {
	e := newTestEngine()
	res, err := e.Fuse("blob", 0, []models.SourceContribution{
		contribution("C", map[string]any{"from": "C"}, 0),
		contribution("A", map[string]any{"from": "A"}, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, AlgorithmQualitySelection, res.Algorithm)
	assert.Equal(t, map[string]any{"from": "A"}, res.Data, "highest-quality source wins")
	assert.InDelta(t, 0.9, res.Confidence, 0.001)
}

func TestEnsembleNumericFallsBackToWeightedAverage(t *testing.T) {
	e := newTestEngine()
	res, err := e.Fuse("ensemble", 0, []models.SourceContribution{
		contribution("A", 10.0, 0),
		contribution("B", 12.0, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, AlgorithmEnsemble, res.Algorithm)
	fused, ok := res.Data.(float64)
	require.True(t, ok)
	assert.Greater(t, fused, 10.0)
	assert.Less(t, fused, 12.0)
}

func TestSingleSourceWarnsAndBoundsConfidence(t *testing.T) {
	e := newTestEngine()
	res, err := e.Fuse("blob", 0, []models.SourceContribution{
		contribution("A", "only", 0),
	})
	require.NoError(t, err)
	found := false
	for _, w := range res.Warnings {
		if w == "only one source contributed to fusion" {
			found = true
		}
	}
	assert.True(t, found)
	assert.LessOrEqual(t, res.Confidence, 0.9, "confidence bounded by the source's quality")
}

func TestConfidenceBelowMinimumWarns(t *testing.T) {
	e := newTestEngine()
	res, err := e.Fuse("blob", 0.99, []models.SourceContribution{
		contribution("C", "low", 0),
	})
	require.NoError(t, err)
	found := false
	for _, w := range res.Warnings {
		if len(w) >= 10 && w[:10] == "confidence" {
			found = true
		}
	}
	assert.True(t, found, "warnings: %v", res.Warnings)
}

func TestHighLatencyWarns(t *testing.T) {
	e := newTestEngine()
	res, err := e.Fuse("numerical", 0, []models.SourceContribution{
		contribution("A", 10.0, 3*time.Second),
		contribution("B", 12.0, 4*time.Second),
	})
	require.NoError(t, err)
	found := false
	for _, w := range res.Warnings {
		if len(w) >= 4 && w[:4] == "high" {
			found = true
		}
	}
	assert.True(t, found, "warnings: %v", res.Warnings)
}

func TestErrorContributionsAreIgnored(t *testing.T) {
	e := newTestEngine()
	res, err := e.Fuse("numerical", 0, []models.SourceContribution{
		contribution("A", 10.0, 0),
		{SourceID: "B", Status: models.ContributionError},
		{SourceID: "C", Status: models.ContributionTimeout},
	})
	require.NoError(t, err)
	assert.Len(t, res.Contributions, 1)
}

func TestNoSuccessfulContributions(t *testing.T) {
	e := newTestEngine()
	_, err := e.Fuse("numerical", 0, []models.SourceContribution{
		{SourceID: "A", Status: models.ContributionError},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrFusion)
}
