package fusion

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gridfuse/resilience/models"
)

// Algorithm identifies a fusion strategy.
type Algorithm string

const (
	AlgorithmWeightedAverage  Algorithm = "weighted_average"
	AlgorithmMajorityVote     Algorithm = "majority_vote"
	AlgorithmTemporal         Algorithm = "temporal"
	AlgorithmQualitySelection Algorithm = "quality_selection"
	AlgorithmEnsemble         Algorithm = "ensemble"
)

// TemporalPoint is one fused time-series item annotated with its origin and
// recency-decayed weight. Output order carries no meaning; merging policy is
// left to the caller.
type TemporalPoint struct {
	SourceID  string    `json:"source_id"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Weight    float64   `json:"weight"`
}

// Result is the fused outcome handed back to the orchestrator.
type Result struct {
	Data          any                         `json:"data"`
	Algorithm     Algorithm                   `json:"algorithm"`
	Confidence    float64                     `json:"confidence"`
	Warnings      []string                    `json:"warnings"`
	Contributions []models.SourceContribution `json:"contributions"`
}

// ConfigLookup resolves a registered source config; QualityLookup resolves the
// current quality score for a source. Both are narrow read-only accessors
// provided by the manager.
type (
	ConfigLookup  func(sourceID string) (models.SourceConfig, bool)
	QualityLookup func(sourceID string) float64
)

const recencyHalfLife = 24 * time.Hour

// Engine combines parallel source contributions into a single answer with a
// confidence score. Algorithm selection is keyed on the request's dataType tag.
type Engine struct {
	configs ConfigLookup
	quality QualityLookup

	mu         sync.RWMutex
	algorithms map[string]Algorithm
	clock      func() time.Time
}

// NewEngine constructs an Engine with the default dataType registry.
func NewEngine(configs ConfigLookup, quality QualityLookup) *Engine {
	e := &Engine{
		configs:    configs,
		quality:    quality,
		algorithms: make(map[string]Algorithm),
		clock:      time.Now,
	}
	for _, tag := range []string{"numerical", "numeric", "value", "measurement", "price", "capacity"} {
		e.algorithms[tag] = AlgorithmWeightedAverage
	}
	for _, tag := range []string{"categorical", "category", "boolean", "flag", "status"} {
		e.algorithms[tag] = AlgorithmMajorityVote
	}
	for _, tag := range []string{"timeseries", "time_series", "time-series", "temporal"} {
		e.algorithms[tag] = AlgorithmTemporal
	}
	e.algorithms["ensemble"] = AlgorithmEnsemble
	return e
}

// WithClock swaps the clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.clock = now
	}
	return e
}

// SetAlgorithm binds a dataType tag to an algorithm, overriding the default
// registry.
func (e *Engine) SetAlgorithm(dataType string, alg Algorithm) {
	e.mu.Lock()
	e.algorithms[strings.ToLower(dataType)] = alg
	e.mu.Unlock()
}

// AlgorithmFor resolves the algorithm for a dataType tag; unknown tags fall
// back to quality-based single selection.
func (e *Engine) AlgorithmFor(dataType string) Algorithm {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if alg, ok := e.algorithms[strings.ToLower(dataType)]; ok {
		return alg
	}
	return AlgorithmQualitySelection
}

// Fuse combines successful contributions. Contribution order never affects the
// output. minConfidence only drives warnings; enforcement is the caller's call.
func (e *Engine) Fuse(dataType string, minConfidence float64, contributions []models.SourceContribution) (*Result, error) {
	successes := make([]models.SourceContribution, 0, len(contributions))
	for _, c := range contributions {
		if c.Status == models.ContributionSuccess {
			successes = append(successes, c)
		}
	}
	if len(successes) == 0 {
		return nil, &models.FusionError{Reason: "no successful contributions"}
	}

	for i := range successes {
		successes[i].Weight = e.weightFor(successes[i])
	}

	alg := e.AlgorithmFor(dataType)
	res, err := e.run(alg, successes)
	if err != nil {
		return nil, err
	}
	// A lone contribution cannot be more trustworthy than its source.
	if len(successes) == 1 {
		if q := e.quality(successes[0].SourceID); res.Confidence > q {
			res.Confidence = q
		}
	}
	res.Contributions = successes
	res.Warnings = append(res.Warnings, e.warnings(minConfidence, res, successes)...)
	return res, nil
}

func (e *Engine) run(alg Algorithm, successes []models.SourceContribution) (*Result, error) {
	switch alg {
	case AlgorithmWeightedAverage:
		return e.weightedAverage(successes)
	case AlgorithmMajorityVote:
		return e.majorityVote(successes)
	case AlgorithmTemporal:
		return e.temporal(successes)
	case AlgorithmEnsemble:
		return e.ensemble(successes)
	default:
		return e.qualitySelection(successes)
	}
}

// weightFor computes the contribution weight from the registered config and
// the observed latency, clamped to [0.1, 1.0].
func (e *Engine) weightFor(c models.SourceContribution) float64 {
	w := 1.0
	cfg, ok := e.configs(c.SourceID)
	if ok {
		w *= 0.7 + 0.3*cfg.Quality.Reliability
		w *= 0.8 + 0.2*cfg.Quality.Timeliness
		prio := float64(cfg.Priority)
		if prio < 1 {
			prio = 1
		}
		w *= 0.7 + 0.3*math.Min(1, 1/prio)
	}
	latencyFactor := 1 - float64(c.Latency.Milliseconds())/5000
	if latencyFactor < 0 {
		latencyFactor = 0
	}
	w *= 0.8 + 0.2*latencyFactor
	return math.Min(1.0, math.Max(0.1, w))
}

func (e *Engine) weightedAverage(cs []models.SourceContribution) (*Result, error) {
	var weightedSum, totalWeight float64
	values := make([]float64, 0, len(cs))
	for _, c := range cs {
		v, ok := toFloat(c.Data)
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &models.FusionError{Reason: fmt.Sprintf("non-numeric contribution from %s", c.SourceID)}
		}
		values = append(values, v)
		weightedSum += v * c.Weight
		totalWeight += c.Weight
	}
	fused := weightedSum / totalWeight
	if math.IsNaN(fused) || math.IsInf(fused, 0) {
		return nil, &models.FusionError{Reason: "fused value not finite"}
	}

	mean, stddev := meanStddev(values)
	agreement := 1.0
	if mean != 0 {
		agreement = math.Max(0, 1-stddev/math.Abs(mean))
	} else if stddev > 0 {
		agreement = 0
	}
	avgWeight := totalWeight / float64(len(cs))
	confidence := 0.3*math.Min(1, float64(len(cs))/3) + 0.4*avgWeight + 0.3*agreement

	return &Result{Data: fused, Algorithm: AlgorithmWeightedAverage, Confidence: clamp01(confidence)}, nil
}

func (e *Engine) majorityVote(cs []models.SourceContribution) (*Result, error) {
	votes := make(map[string]float64)
	byKey := make(map[string]any)
	var totalWeight float64
	for _, c := range cs {
		if c.Data == nil {
			return nil, &models.FusionError{Reason: fmt.Sprintf("nil contribution from %s", c.SourceID)}
		}
		key := voteKey(c.Data)
		votes[key] += c.Weight
		byKey[key] = c.Data
		totalWeight += c.Weight
	}
	var winner string
	var max float64
	// Deterministic tie-break on key order.
	keys := make([]string, 0, len(votes))
	for k := range votes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if votes[k] > max {
			max = votes[k]
			winner = k
		}
	}
	return &Result{
		Data:       byKey[winner],
		Algorithm:  AlgorithmMajorityVote,
		Confidence: clamp01(max / totalWeight),
	}, nil
}

func (e *Engine) temporal(cs []models.SourceContribution) (*Result, error) {
	now := e.clock()
	var points []TemporalPoint
	var weightSum float64
	for _, c := range cs {
		series, ok := toSeries(c.Data)
		if !ok || len(series) == 0 {
			return nil, &models.FusionError{Reason: fmt.Sprintf("empty or non-series contribution from %s", c.SourceID)}
		}
		weightSum += c.Weight
		for _, p := range series {
			age := now.Sub(p.Timestamp)
			if age < 0 {
				age = 0
			}
			decay := math.Pow(0.5, age.Hours()/recencyHalfLife.Hours())
			points = append(points, TemporalPoint{
				SourceID:  c.SourceID,
				Timestamp: p.Timestamp,
				Value:     p.Value,
				Weight:    c.Weight * decay,
			})
		}
	}
	avgWeight := weightSum / float64(len(cs))
	confidence := 0.7*avgWeight + 0.3*math.Min(1, float64(len(cs))/5)
	return &Result{Data: points, Algorithm: AlgorithmTemporal, Confidence: clamp01(confidence)}, nil
}

func (e *Engine) qualitySelection(cs []models.SourceContribution) (*Result, error) {
	best := cs[0]
	bestQuality := e.quality(best.SourceID)
	for _, c := range cs[1:] {
		if q := e.quality(c.SourceID); q > bestQuality {
			best, bestQuality = c, q
		}
	}
	if best.Data == nil {
		return nil, &models.FusionError{Reason: fmt.Sprintf("nil contribution from %s", best.SourceID)}
	}
	return &Result{Data: best.Data, Algorithm: AlgorithmQualitySelection, Confidence: clamp01(bestQuality)}, nil
}

// ensemble composes the primary algorithms: weighted average when every
// contribution is numeric, otherwise the highest-confidence pick between
// majority vote and quality selection.
func (e *Engine) ensemble(cs []models.SourceContribution) (*Result, error) {
	numeric := true
	for _, c := range cs {
		if _, ok := toFloat(c.Data); !ok {
			numeric = false
			break
		}
	}
	if numeric {
		res, err := e.weightedAverage(cs)
		if err != nil {
			return nil, err
		}
		res.Algorithm = AlgorithmEnsemble
		return res, nil
	}
	vote, voteErr := e.majorityVote(cs)
	sel, selErr := e.qualitySelection(cs)
	switch {
	case voteErr != nil && selErr != nil:
		return nil, voteErr
	case voteErr != nil:
		sel.Algorithm = AlgorithmEnsemble
		return sel, nil
	case selErr != nil || vote.Confidence >= sel.Confidence:
		vote.Algorithm = AlgorithmEnsemble
		return vote, nil
	default:
		sel.Algorithm = AlgorithmEnsemble
		return sel, nil
	}
}

func (e *Engine) warnings(minConfidence float64, res *Result, cs []models.SourceContribution) []string {
	var out []string
	if minConfidence > 0 && res.Confidence < minConfidence {
		out = append(out, fmt.Sprintf("confidence %.2f below requested minimum %.2f", res.Confidence, minConfidence))
	}
	if len(cs) == 1 {
		out = append(out, "only one source contributed to fusion")
	}
	var latencySum time.Duration
	weights := make([]float64, 0, len(cs))
	for _, c := range cs {
		latencySum += c.Latency
		weights = append(weights, c.Weight)
	}
	if avg := latencySum / time.Duration(len(cs)); avg > 2*time.Second {
		out = append(out, fmt.Sprintf("high average source latency: %s", avg))
	}
	if _, stddev := meanStddev(weights); stddev*stddev > 0.3 {
		out = append(out, "high variance across contribution weights")
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toSeries(v any) ([]models.TimePoint, bool) {
	switch s := v.(type) {
	case []models.TimePoint:
		return s, true
	case []any:
		out := make([]models.TimePoint, 0, len(s))
		for _, item := range s {
			p, ok := item.(models.TimePoint)
			if !ok {
				return nil, false
			}
			out = append(out, p)
		}
		return out, true
	default:
		return nil, false
	}
}

func voteKey(v any) string {
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprint(v)
}

func meanStddev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	stddev = math.Sqrt(sq / float64(len(values)))
	return mean, stddev
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
