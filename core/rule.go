package core

import (
	"time"

	"github.com/dlclark/regexp2"
)

// EngineType decides which evaluation engine owns a rule.
type EngineType string

const (
	// EngineRealTime evaluates per event against the live stream.
	EngineRealTime EngineType = "realtime"
	// EngineScheduled evaluates periodically against durable storage.
	EngineScheduled EngineType = "scheduled"
)

// IsValid checks if the engine type is known.
func (t EngineType) IsValid() bool {
	return t == EngineRealTime || t == EngineScheduled
}

// TrackingType selects the cross-event state policy for a stateful rule.
type TrackingType string

const (
	// TrackingCounter accumulates a TTL-bounded count per aggregation key.
	TrackingCounter TrackingType = "counter"
	// TrackingSet records observed values per identity for novelty detection.
	TrackingSet TrackingType = "set"
)

// StatefulConfig holds the cross-event aggregation parameters of a rule.
// Validated by the classifier before the rule can be activated.
type StatefulConfig struct {
	KeyPrefix       string       `json:"key_prefix" yaml:"key_prefix"`
	TrackingType    TrackingType `json:"tracking_type" yaml:"tracking_type"`
	AggregateOn     []string     `json:"aggregate_on" yaml:"aggregate_on"`
	Threshold       int64        `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	WindowSeconds   int          `json:"window_seconds" yaml:"window_seconds"`
	ComparisonField string       `json:"comparison_field,omitempty" yaml:"comparison_field,omitempty"`
	StateFields     []string     `json:"state_fields,omitempty" yaml:"state_fields,omitempty"`
}

// Window returns the tracking window as a duration.
func (sc *StatefulConfig) Window() time.Duration {
	return time.Duration(sc.WindowSeconds) * time.Second
}

// KeyFields returns the identity fields state is tracked per. Set tracking
// uses state_fields; counter tracking uses aggregate_on.
func (sc *StatefulConfig) KeyFields() []string {
	if sc.TrackingType == TrackingSet && len(sc.StateFields) > 0 {
		return sc.StateFields
	}
	return sc.AggregateOn
}

// DetectionRule is a stored detection definition after classification.
// The engine only reads rules; writes go through the classifier first.
type DetectionRule struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Severity       string          `json:"severity"`
	Definition     string          `json:"definition"` // raw YAML rule document
	EngineType     EngineType      `json:"engine_type"`
	IsStateful     bool            `json:"is_stateful"`
	Stateful       *StatefulConfig `json:"stateful_config,omitempty"`
	Active         bool            `json:"active"`
	ComplexReasons []string        `json:"complexity_reasons,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`

	// Selection is the compiled expression tree, built once at
	// classification or snapshot-load time, never re-parsed per event.
	Selection Expr `json:"-"`
}

// Modifier is a field match modifier inside a selection.
type Modifier string

const (
	ModifierEquals   Modifier = "equals"
	ModifierContains Modifier = "contains"
	ModifierRegex    Modifier = "regex"
)

// BoolOp combines child expressions.
type BoolOp string

const (
	OpAnd BoolOp = "and"
	OpOr  BoolOp = "or"
	OpNot BoolOp = "not"
)

// AggFunc is an aggregation function in a rule condition.
type AggFunc string

// AggCount is the only aggregation function currently supported.
const AggCount AggFunc = "count"

// Expr is a node in a compiled selection-logic tree. Evaluation dispatches
// by type switch over the three concrete variants.
type Expr interface {
	isExpr()
}

// Selection matches a single field against a value under a modifier.
type Selection struct {
	Field    string
	Modifier Modifier
	Value    string

	// Pattern is the compiled regex for ModifierRegex, nil otherwise.
	// Compiled once by the classifier; regexp2 matching is bounded by a
	// MatchTimeout set at compile time.
	Pattern *regexp2.Regexp
}

// Combine joins child expressions with a boolean operator. OpNot carries
// exactly one child.
type Combine struct {
	Op       BoolOp
	Children []Expr
}

// Aggregation expresses a count()-style condition over a timeframe. It never
// appears in rules assigned to the real-time engine.
type Aggregation struct {
	Function         AggFunc
	Comparator       string // one of > >= = < <=
	Threshold        float64
	TimeframeSeconds int
}

func (Selection) isExpr()   {}
func (Combine) isExpr()     {}
func (Aggregation) isExpr() {}

// FindAggregation walks the tree and returns the first aggregation node, or
// nil when the rule has none.
func FindAggregation(e Expr) *Aggregation {
	switch n := e.(type) {
	case Aggregation:
		return &n
	case *Aggregation:
		return n
	case Combine:
		for _, c := range n.Children {
			if agg := FindAggregation(c); agg != nil {
				return agg
			}
		}
	case *Combine:
		for _, c := range n.Children {
			if agg := FindAggregation(c); agg != nil {
				return agg
			}
		}
	}
	return nil
}
