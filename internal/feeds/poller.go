package feeds

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gridfuse/resilience/models"
)

// Clock abstraction for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// FilterOp compares a named item field against a value.
type FilterOp string

const (
	FilterContains FilterOp = "contains"
	FilterEquals   FilterOp = "equals"
	FilterRegex    FilterOp = "regex"
	FilterGreater  FilterOp = "greater"
	FilterLess     FilterOp = "less"
)

// Filter drops items whose named field does not satisfy the comparison.
// Matching is case-insensitive unless CaseSensitive is set.
type Filter struct {
	Field         string   `json:"field" yaml:"field"`
	Op            FilterOp `json:"op" yaml:"op"`
	Value         string   `json:"value" yaml:"value"`
	CaseSensitive bool     `json:"case_sensitive" yaml:"case_sensitive"`
}

// TransformKind orders transformation stages.
type TransformKind string

const (
	TransformFilter   TransformKind = "filter"
	TransformMap      TransformKind = "map"
	TransformValidate TransformKind = "validate"
	TransformEnrich   TransformKind = "enrich"
)

// Transform is one stage in a stream's transformation chain, applied in Order.
type Transform struct {
	Kind  TransformKind
	Order int
	Apply func(items []models.FeedItem) []models.FeedItem
}

// Stream is a registered real-time feed.
type Stream struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	URL          string            `json:"url" yaml:"url"`
	Type         StreamType        `json:"type" yaml:"type"`
	PollInterval time.Duration     `json:"poll_interval" yaml:"poll_interval"`
	Timeout      time.Duration     `json:"timeout" yaml:"timeout"`
	UserAgent    string            `json:"user_agent" yaml:"user_agent"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Filters      []Filter          `json:"filters,omitempty" yaml:"filters,omitempty"`
	Transforms   []Transform       `json:"-" yaml:"-"`
	QualityBase  float64           `json:"quality_base" yaml:"quality_base"`
}

// StreamMetrics is the per-stream health view.
type StreamMetrics struct {
	StreamID      string    `json:"stream_id"`
	TotalItems    int64     `json:"total_items"`
	ItemsToday    int64     `json:"items_today"`
	ErrorCount    int64     `json:"error_count"`
	PollCount     int64     `json:"poll_count"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`  // EMA, alpha 0.2
	DuplicateRate float64   `json:"duplicate_rate"`  // EMA, alpha 0.1
	QualityScore  float64   `json:"quality_score"`
	LastPoll      time.Time `json:"last_poll"`
}

// Handler receives newly delivered (post-dedupe) items.
type Handler func(streamID string, items []models.FeedItem)

const (
	dedupeHighWater = 10000
	dedupeLowWater  = 5000
	latencyAlpha    = 0.2
	duplicateAlpha  = 0.1
)

// Poller runs one cooperative ticker task per registered stream. Streams can
// be added, started, stopped and removed independently; stopping waits for an
// in-flight poll to finish.
type Poller struct {
	client  *http.Client
	clock   Clock
	logger  *slog.Logger
	handler Handler

	mu      sync.Mutex
	streams map[string]*streamState
}

type streamState struct {
	stream  Stream
	metrics StreamMetrics
	dayMark time.Time

	// dedupe cache: insertion-ordered keys with membership set
	seen     map[string]struct{}
	seenList []string

	running bool
	stopCh  chan struct{}
	done    sync.WaitGroup
}

// NewPoller constructs a Poller delivering items to handler.
func NewPoller(client *http.Client, handler Handler, logger *slog.Logger) *Poller {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client:  client,
		clock:   realClock{},
		logger:  logger.With("component", "feeds"),
		handler: handler,
		streams: make(map[string]*streamState),
	}
}

// WithClock swaps the clock, for tests.
func (p *Poller) WithClock(clock Clock) *Poller {
	if clock != nil {
		p.clock = clock
	}
	return p
}

// AddStream registers a stream. Returns an error on duplicate ID or missing
// essentials.
func (p *Poller) AddStream(s Stream) error {
	if s.ID == "" || s.URL == "" {
		return &models.ValidationError{Field: "stream", Reason: "id and url are required"}
	}
	if s.PollInterval <= 0 {
		s.PollInterval = time.Minute
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.QualityBase <= 0 {
		s.QualityBase = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.streams[s.ID]; exists {
		return &models.ValidationError{Field: "stream", Reason: fmt.Sprintf("stream %s already registered", s.ID)}
	}
	p.streams[s.ID] = &streamState{
		stream:  s,
		metrics: StreamMetrics{StreamID: s.ID},
		seen:    make(map[string]struct{}),
		dayMark: dayOf(p.clock.Now()),
	}
	return nil
}

// RemoveStream stops (if running) and deletes a stream.
func (p *Poller) RemoveStream(streamID string) {
	p.StopStream(streamID)
	p.mu.Lock()
	delete(p.streams, streamID)
	p.mu.Unlock()
}

// StartStream launches the ticker task for one stream. No-op if running.
func (p *Poller) StartStream(streamID string) error {
	p.mu.Lock()
	state, ok := p.streams[streamID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: stream %s", models.ErrUnknownSource, streamID)
	}
	if state.running {
		p.mu.Unlock()
		return nil
	}
	state.running = true
	state.stopCh = make(chan struct{})
	state.done.Add(1)
	p.mu.Unlock()

	go p.run(state)
	return nil
}

// StopStream signals the ticker task to stop and waits for any in-flight poll.
func (p *Poller) StopStream(streamID string) {
	p.mu.Lock()
	state, ok := p.streams[streamID]
	if !ok || !state.running {
		p.mu.Unlock()
		return
	}
	state.running = false
	close(state.stopCh)
	p.mu.Unlock()
	state.done.Wait()
}

// StartAll starts every registered stream.
func (p *Poller) StartAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.streams))
	for id := range p.streams {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		_ = p.StartStream(id)
	}
}

// StopAll stops every running stream.
func (p *Poller) StopAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.streams))
	for id := range p.streams {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.StopStream(id)
	}
}

func (p *Poller) run(state *streamState) {
	defer state.done.Done()
	ticker := time.NewTicker(state.stream.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-state.stopCh:
			return
		case <-ticker.C:
			p.PollOnce(context.Background(), state.stream.ID)
		}
	}
}

// PollOnce performs a single fetch-parse-filter-transform-dedupe cycle for the
// stream and delivers only new items. Exposed for tests and manual refresh.
func (p *Poller) PollOnce(ctx context.Context, streamID string) (delivered []models.FeedItem) {
	p.mu.Lock()
	state, ok := p.streams[streamID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	stream := state.stream

	start := p.clock.Now()
	body, err := p.fetch(ctx, stream)
	latency := p.clock.Now().Sub(start)

	var parsed []models.FeedItem
	if err == nil {
		parsed, err = Parse(stream.Type, stream.Name, body)
	}
	if err != nil {
		p.logger.Warn("poll failed", "stream", streamID, "error", err)
		p.mu.Lock()
		p.rollDayLocked(state)
		state.metrics.PollCount++
		state.metrics.ErrorCount++
		p.updateQualityLocked(state, latency)
		state.metrics.LastPoll = p.clock.Now()
		p.mu.Unlock()
		return nil
	}

	filtered := applyFilters(parsed, stream.Filters)
	transformed := applyTransforms(filtered, stream.Transforms)

	p.mu.Lock()
	p.rollDayLocked(state)
	fresh := make([]models.FeedItem, 0, len(transformed))
	duplicates := 0
	for _, item := range transformed {
		key := DedupeKey(item)
		if _, dup := state.seen[key]; dup {
			duplicates++
			continue
		}
		state.seen[key] = struct{}{}
		state.seenList = append(state.seenList, key)
		fresh = append(fresh, item)
	}
	if len(state.seenList) > dedupeHighWater {
		drop := state.seenList[:len(state.seenList)-dedupeLowWater]
		for _, key := range drop {
			delete(state.seen, key)
		}
		state.seenList = append([]string(nil), state.seenList[len(state.seenList)-dedupeLowWater:]...)
	}

	m := &state.metrics
	m.PollCount++
	m.TotalItems += int64(len(fresh))
	m.ItemsToday += int64(len(fresh))
	if total := len(transformed); total > 0 {
		rate := float64(duplicates) / float64(total)
		m.DuplicateRate = duplicateAlpha*rate + (1-duplicateAlpha)*m.DuplicateRate
	}
	p.updateQualityLocked(state, latency)
	m.LastPoll = p.clock.Now()
	p.mu.Unlock()

	if len(fresh) > 0 && p.handler != nil {
		p.handler(streamID, fresh)
	}
	return fresh
}

func (p *Poller) fetch(ctx context.Context, stream Stream) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, stream.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, stream.URL, nil)
	if err != nil {
		return nil, err
	}
	if stream.UserAgent != "" {
		req.Header.Set("User-Agent", stream.UserAgent)
	}
	for k, v := range stream.Headers {
		req.Header.Set(k, v)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// updateQualityLocked folds the poll latency EMA and recomputes the composite
// quality score.
func (p *Poller) updateQualityLocked(state *streamState, latency time.Duration) {
	m := &state.metrics
	ms := float64(latency.Milliseconds())
	if m.AvgLatencyMs == 0 {
		m.AvgLatencyMs = ms
	} else {
		m.AvgLatencyMs = latencyAlpha*ms + (1-latencyAlpha)*m.AvgLatencyMs
	}
	successRate := 1.0
	if m.PollCount > 0 {
		successRate = 1 - float64(m.ErrorCount)/float64(m.PollCount)
	}
	latencyFactor := 1 - m.AvgLatencyMs/5000
	if latencyFactor < 0 {
		latencyFactor = 0
	}
	score := state.stream.QualityBase * successRate * latencyFactor * (1 - m.DuplicateRate)
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	m.QualityScore = score
}

// rollDayLocked resets daily counters at UTC day rollover.
func (p *Poller) rollDayLocked(state *streamState) {
	today := dayOf(p.clock.Now())
	if !today.Equal(state.dayMark) {
		state.dayMark = today
		state.metrics.ItemsToday = 0
	}
}

// Metrics returns a snapshot of one stream's metrics.
func (p *Poller) Metrics(streamID string) (StreamMetrics, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.streams[streamID]
	if !ok {
		return StreamMetrics{}, false
	}
	return state.metrics, true
}

// StreamIDs lists registered streams, sorted for stable output.
func (p *Poller) StreamIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.streams))
	for id := range p.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RunningCount reports how many streams currently have an active ticker.
func (p *Poller) RunningCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.streams {
		if s.running {
			n++
		}
	}
	return n
}

// TrimCaches shrinks every stream's dedupe cache to the low-water mark. Called
// from maintenance.
func (p *Poller) TrimCaches() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, state := range p.streams {
		if len(state.seenList) <= dedupeLowWater {
			continue
		}
		drop := state.seenList[:len(state.seenList)-dedupeLowWater]
		for _, key := range drop {
			delete(state.seen, key)
		}
		state.seenList = append([]string(nil), state.seenList[len(state.seenList)-dedupeLowWater:]...)
	}
}

// ClearCache empties one stream's dedupe cache, permitting re-delivery.
func (p *Poller) ClearCache(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state, ok := p.streams[streamID]; ok {
		state.seen = make(map[string]struct{})
		state.seenList = nil
	}
}

func applyFilters(items []models.FeedItem, filters []Filter) []models.FeedItem {
	if len(filters) == 0 {
		return items
	}
	out := items[:0:0]
	for _, item := range items {
		keep := true
		for _, f := range filters {
			if !matchFilter(item, f) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, item)
		}
	}
	return out
}

func matchFilter(item models.FeedItem, f Filter) bool {
	value := fieldValue(item, f.Field)
	target := f.Value
	if !f.CaseSensitive {
		value = strings.ToLower(value)
		target = strings.ToLower(target)
	}
	switch f.Op {
	case FilterContains:
		return strings.Contains(value, target)
	case FilterEquals:
		return value == target
	case FilterRegex:
		re, err := regexp.Compile(target)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	case FilterGreater, FilterLess:
		a, errA := strconv.ParseFloat(strings.TrimSpace(value), 64)
		b, errB := strconv.ParseFloat(strings.TrimSpace(target), 64)
		if errA != nil || errB != nil {
			return false
		}
		if f.Op == FilterGreater {
			return a > b
		}
		return a < b
	default:
		return true
	}
}

func fieldValue(item models.FeedItem, field string) string {
	switch strings.ToLower(field) {
	case "title":
		return item.Title
	case "description":
		return item.Description
	case "link":
		return item.Link
	case "author":
		return item.Author
	case "source":
		return item.Source
	case "content":
		return item.Content
	case "tags":
		return strings.Join(item.Tags, ",")
	default:
		return ""
	}
}

func applyTransforms(items []models.FeedItem, transforms []Transform) []models.FeedItem {
	if len(transforms) == 0 {
		return items
	}
	ordered := append([]Transform(nil), transforms...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })
	for _, t := range ordered {
		if t.Apply == nil {
			continue
		}
		items = t.Apply(items)
	}
	return items
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
