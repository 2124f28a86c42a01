package monitoring

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/foldcache/foldcache/pkg/models"
)

// Alert is an active health condition.
type Alert struct {
	ID           string    `json:"id"`
	Type         AlertType `json:"type"`
	Severity     string    `json:"severity"`
	Metric       string    `json:"metric"`
	CurrentValue float64   `json:"current_value"`
	Threshold    float64   `json:"threshold"`
	Message      string    `json:"message"`
	TriggeredAt  time.Time `json:"triggered_at"`
}

// AlertType is the category of an alert.
type AlertType string

const (
	AlertSpillFailures AlertType = "spill_failures"
	AlertCorruption    AlertType = "corruption"
	AlertLowHitRate    AlertType = "low_hit_rate"
	AlertEvictionChurn AlertType = "eviction_churn"
)

// AlertRule turns a statistics snapshot into an alert, or nil when healthy.
type AlertRule interface {
	ID() string
	Evaluate(stats models.Statistics) *Alert
}

// AlertManager evaluates rules on demand and remembers when each active
// alert first triggered. An alert whose rule stops firing is resolved.
type AlertManager struct {
	rules []AlertRule

	mu       sync.Mutex
	active   map[string]*Alert
	resolved int64
	now      func() time.Time
}

// NewAlertManager creates a manager for rules. No rules means DefaultRules.
func NewAlertManager(rules ...AlertRule) *AlertManager {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &AlertManager{
		rules:  rules,
		active: make(map[string]*Alert),
		now:    time.Now,
	}
}

// DefaultRules returns the built-in rule set.
func DefaultRules() []AlertRule {
	return []AlertRule{
		NewSpillFailureRule(),
		NewCorruptionRule(),
		NewLowHitRateRule(),
		NewEvictionChurnRule(),
	}
}

// Evaluate runs every rule against stats and returns the active alerts
// ordered by ID.
func (am *AlertManager) Evaluate(stats models.Statistics) []Alert {
	am.mu.Lock()
	defer am.mu.Unlock()

	for _, rule := range am.rules {
		alert := rule.Evaluate(stats)
		if alert == nil {
			if _, ok := am.active[rule.ID()]; ok {
				delete(am.active, rule.ID())
				am.resolved++
			}
			continue
		}

		if existing, ok := am.active[alert.ID]; ok {
			existing.CurrentValue = alert.CurrentValue
			existing.Severity = alert.Severity
			existing.Message = alert.Message
			continue
		}
		alert.TriggeredAt = am.now()
		am.active[alert.ID] = alert
	}

	alerts := make([]Alert, 0, len(am.active))
	for _, alert := range am.active {
		alerts = append(alerts, *alert)
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].ID < alerts[j].ID
	})
	return alerts
}

// Resolved returns how many alerts have cleared since the manager started.
func (am *AlertManager) Resolved() int64 {
	am.mu.Lock()
	defer am.mu.Unlock()
	return am.resolved
}

// SpillFailureRule fires when spills have been skipped for lack of space in
// the secondary store.
type SpillFailureRule struct {
	id string
}

func NewSpillFailureRule() *SpillFailureRule {
	return &SpillFailureRule{id: "spill_failures"}
}

func (r *SpillFailureRule) ID() string {
	return r.id
}

func (r *SpillFailureRule) Evaluate(stats models.Statistics) *Alert {
	if stats.SpillFailures == 0 {
		return nil
	}
	severity := "warning"
	if stats.SpillFailures > stats.Spills {
		severity = "critical"
	}
	return &Alert{
		ID:           r.id,
		Type:         AlertSpillFailures,
		Severity:     severity,
		Metric:       "spill_failures_total",
		CurrentValue: float64(stats.SpillFailures),
		Threshold:    0,
		Message: fmt.Sprintf("%d spills skipped for capacity (%d succeeded) - consider enlarging secondary storage",
			stats.SpillFailures, stats.Spills),
	}
}

// CorruptionRule fires on any payload that failed to decompress or decode.
type CorruptionRule struct {
	id string
}

func NewCorruptionRule() *CorruptionRule {
	return &CorruptionRule{id: "corruption"}
}

func (r *CorruptionRule) ID() string {
	return r.id
}

func (r *CorruptionRule) Evaluate(stats models.Statistics) *Alert {
	if stats.Corruptions == 0 {
		return nil
	}
	return &Alert{
		ID:           r.id,
		Type:         AlertCorruption,
		Severity:     "critical",
		Metric:       "corruptions_total",
		CurrentValue: float64(stats.Corruptions),
		Threshold:    0,
		Message:      fmt.Sprintf("%d corrupt payloads detected", stats.Corruptions),
	}
}

// LowHitRateRule fires when the hit rate drops below threshold once enough
// requests have been seen to make the rate meaningful.
type LowHitRateRule struct {
	id          string
	threshold   float64
	minRequests int64
}

func NewLowHitRateRule() *LowHitRateRule {
	return &LowHitRateRule{
		id:          "low_hit_rate",
		threshold:   0.50,
		minRequests: 100,
	}
}

func (r *LowHitRateRule) ID() string {
	return r.id
}

func (r *LowHitRateRule) Evaluate(stats models.Statistics) *Alert {
	if stats.TotalRequests() < r.minRequests || stats.CacheHitRate >= r.threshold {
		return nil
	}
	severity := "warning"
	if stats.CacheHitRate < r.threshold/2 {
		severity = "critical"
	}
	return &Alert{
		ID:           r.id,
		Type:         AlertLowHitRate,
		Severity:     severity,
		Metric:       "hit_rate",
		CurrentValue: stats.CacheHitRate,
		Threshold:    r.threshold,
		Message: fmt.Sprintf("Cache hit rate %.2f%% below threshold %.2f%%",
			stats.CacheHitRate*100, r.threshold*100),
	}
}

// EvictionChurnRule fires when most created units end up evicted, which
// means the byte ceiling is too small for the working set.
type EvictionChurnRule struct {
	id           string
	threshold    float64 // evictions per compression
	minCreations int64
}

func NewEvictionChurnRule() *EvictionChurnRule {
	return &EvictionChurnRule{
		id:           "eviction_churn",
		threshold:    0.5,
		minCreations: 100,
	}
}

func (r *EvictionChurnRule) ID() string {
	return r.id
}

func (r *EvictionChurnRule) Evaluate(stats models.Statistics) *Alert {
	if stats.Compressions < r.minCreations {
		return nil
	}
	churn := float64(stats.Evictions) / float64(stats.Compressions)
	if churn <= r.threshold {
		return nil
	}
	return &Alert{
		ID:           r.id,
		Type:         AlertEvictionChurn,
		Severity:     "warning",
		Metric:       "evictions_per_compression",
		CurrentValue: churn,
		Threshold:    r.threshold,
		Message: fmt.Sprintf("%.2f evictions per created unit exceeds %.2f - consider raising max_compressed_bytes",
			churn, r.threshold),
	}
}
