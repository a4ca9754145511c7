// Package classify turns raw rule definitions into classified detection
// rules: it compiles the selection logic once, assigns the owning engine,
// and validates stateful tracking parameters. It is a pure function plus a
// validation gate; persistence belongs to the rule store.
package classify

import (
	"fmt"
	"time"

	"aegis/core"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Complexity reasons reported for observability.
const (
	ReasonAggregation        = "count() aggregation"
	ReasonTimeframe          = "timeframe specification"
	ReasonRegex              = "regex patterns"
	ReasonMultipleSelections = "Multiple selections"
	ReasonNoveltyTracking    = "new-value tracking"
)

// DefaultRegexTimeout bounds a single regex match during evaluation.
const DefaultRegexTimeout = 100 * time.Millisecond

// Options tunes compilation.
type Options struct {
	// RegexTimeout is applied to every compiled pattern. Zero means
	// DefaultRegexTimeout.
	RegexTimeout time.Duration
}

func (o Options) regexTimeout() time.Duration {
	if o.RegexTimeout <= 0 {
		return DefaultRegexTimeout
	}
	return o.RegexTimeout
}

// ruleDocument is the YAML shape rule authors write.
type ruleDocument struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Severity    string                 `yaml:"severity"`
	Detection   map[string]interface{} `yaml:"detection"`
	Timeframe   string                 `yaml:"timeframe"`
	Stateful    *core.StatefulConfig   `yaml:"stateful"`
}

// Classification is the classifier's output for one rule definition.
type Classification struct {
	Name        string
	Description string
	Severity    string
	EngineType  core.EngineType
	IsComplex   bool
	Reasons     []string
	IsStateful  bool
	Stateful    *core.StatefulConfig
	Selection   core.Expr
}

// Classify parses and classifies a raw rule definition. A rule is complex
// (owned by the scheduled engine) when its condition contains an
// aggregation, a timeframe, a regex modifier, or more than one named
// selection; otherwise it is simple and owned by the real-time engine.
// Invalid definitions fail with *core.ValidationError before activation.
func Classify(definition []byte, opts Options) (*Classification, error) {
	var doc ruleDocument
	if err := yaml.Unmarshal(definition, &doc); err != nil {
		return nil, core.NewValidationError("definition", "invalid YAML: %v", err)
	}
	if doc.Name == "" {
		return nil, core.NewValidationError("name", "rule name is required")
	}
	if len(doc.Detection) == 0 {
		return nil, core.NewValidationError("detection", "detection block is required")
	}

	parsed, err := parseDetection(doc.Detection, opts.regexTimeout())
	if err != nil {
		return nil, err
	}

	cls := &Classification{
		Name:        doc.Name,
		Description: doc.Description,
		Severity:    doc.Severity,
		Selection:   parsed.expr,
	}

	if parsed.aggregation != nil {
		cls.Reasons = append(cls.Reasons, ReasonAggregation)
	}
	if doc.Timeframe != "" {
		secs, err := parseTimeframe(doc.Timeframe)
		if err != nil {
			return nil, err
		}
		if parsed.aggregation != nil {
			parsed.aggregation.TimeframeSeconds = secs
		}
		cls.Reasons = append(cls.Reasons, ReasonTimeframe)
	}
	if parsed.usesRegex {
		cls.Reasons = append(cls.Reasons, ReasonRegex)
	}
	if parsed.selectionCount > 1 {
		cls.Reasons = append(cls.Reasons, ReasonMultipleSelections)
	}

	if doc.Stateful != nil {
		sc, err := validateStateful(doc.Stateful)
		if err != nil {
			return nil, err
		}
		cls.IsStateful = true
		cls.Stateful = sc
		if sc.TrackingType == core.TrackingSet {
			// Novelty detection needs cross-run state over durable rows;
			// only the scheduled engine can provide that.
			cls.Reasons = append(cls.Reasons, ReasonNoveltyTracking)
		}
	}

	cls.IsComplex = len(cls.Reasons) > 0
	if cls.IsComplex {
		cls.EngineType = core.EngineScheduled
	} else {
		cls.EngineType = core.EngineRealTime
	}
	return cls, nil
}

// NewRule classifies a definition and builds an activatable rule for the
// tenant. The caller persists it through the rule store.
func NewRule(tenantID string, definition []byte, opts Options) (*core.DetectionRule, error) {
	if tenantID == "" {
		return nil, core.NewValidationError("tenant_id", "tenant is required")
	}
	cls, err := Classify(definition, opts)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &core.DetectionRule{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Name:           cls.Name,
		Description:    cls.Description,
		Severity:       cls.Severity,
		Definition:     string(definition),
		EngineType:     cls.EngineType,
		IsStateful:     cls.IsStateful,
		Stateful:       cls.Stateful,
		Active:         true,
		ComplexReasons: cls.Reasons,
		CreatedAt:      now,
		UpdatedAt:      now,
		Selection:      cls.Selection,
	}, nil
}

// Compile rebuilds the selection tree for a stored rule. Used when loading
// rule snapshots; classification metadata is trusted from storage.
func Compile(definition string, opts Options) (core.Expr, error) {
	cls, err := Classify([]byte(definition), opts)
	if err != nil {
		return nil, err
	}
	return cls.Selection, nil
}

// CompileRules compiles selection trees for a batch of stored rules,
// dropping rules that no longer compile so one bad definition cannot stall
// the rest of the snapshot.
func CompileRules(rules []core.DetectionRule, opts Options, logger *zap.SugaredLogger) []core.DetectionRule {
	compiled := make([]core.DetectionRule, 0, len(rules))
	for _, rule := range rules {
		expr, err := Compile(rule.Definition, opts)
		if err != nil {
			logger.Errorw("Skipping rule with uncompilable definition",
				"rule_id", rule.ID,
				"tenant_id", rule.TenantID,
				"error", err)
			continue
		}
		rule.Selection = expr
		compiled = append(compiled, rule)
	}
	return compiled
}

func validateStateful(sc *core.StatefulConfig) (*core.StatefulConfig, error) {
	if sc.KeyPrefix == "" {
		return nil, core.NewValidationError("stateful.key_prefix", "key prefix is required")
	}
	if sc.WindowSeconds <= 0 {
		return nil, core.NewValidationError("stateful.window_seconds", "window must be positive")
	}
	switch sc.TrackingType {
	case core.TrackingCounter:
		if sc.Threshold < 1 {
			return nil, core.NewValidationError("stateful.threshold", "counter tracking requires a threshold >= 1")
		}
		if len(sc.AggregateOn) == 0 {
			return nil, core.NewValidationError("stateful.aggregate_on", "counter tracking requires aggregate_on fields")
		}
	case core.TrackingSet:
		if sc.ComparisonField == "" {
			return nil, core.NewValidationError("stateful.comparison_field", "set tracking requires a comparison_field")
		}
		if len(sc.StateFields) == 0 {
			return nil, core.NewValidationError("stateful.state_fields", "set tracking requires state_fields")
		}
	default:
		return nil, core.NewValidationError("stateful.tracking_type",
			"unknown tracking type %q (must be %s or %s)", sc.TrackingType, core.TrackingCounter, core.TrackingSet)
	}
	out := *sc
	return &out, nil
}

func parseTimeframe(s string) (int, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		var secs int
		if _, serr := fmt.Sscanf(s, "%d", &secs); serr == nil && secs > 0 {
			return secs, nil
		}
		return 0, core.NewValidationError("timeframe", "cannot parse %q: %v", s, err)
	}
	if d <= 0 {
		return 0, core.NewValidationError("timeframe", "must be positive, got %q", s)
	}
	return int(d / time.Second), nil
}
