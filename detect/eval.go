package detect

import (
	"strings"

	"aegis/core"
)

// FieldSource is anything exposing a flat field map: live events on the
// stream and historical rows from the durable store.
type FieldSource interface {
	Field(name string) (string, bool)
}

// Evaluate runs a compiled selection tree against a field source.
// Aggregation nodes are neutral here: the real-time engine never sees them
// by construction, and the scheduled engine applies them over the whole
// batch after row filtering.
func Evaluate(expr core.Expr, src FieldSource) bool {
	switch n := expr.(type) {
	case core.Selection:
		return evaluateSelection(n, src)
	case *core.Selection:
		return evaluateSelection(*n, src)
	case core.Combine:
		return evaluateCombine(n, src)
	case *core.Combine:
		return evaluateCombine(*n, src)
	case core.Aggregation, *core.Aggregation:
		return true
	default:
		return false
	}
}

func evaluateSelection(sel core.Selection, src FieldSource) bool {
	value, ok := src.Field(sel.Field)
	if !ok {
		return false
	}
	switch sel.Modifier {
	case core.ModifierEquals:
		return value == sel.Value
	case core.ModifierContains:
		return strings.Contains(value, sel.Value)
	case core.ModifierRegex:
		if sel.Pattern == nil {
			return false
		}
		// A match timeout is compiled into the pattern; treat timeouts and
		// errors as non-matches rather than stalling the pipeline.
		matched, err := sel.Pattern.MatchString(value)
		return err == nil && matched
	default:
		return false
	}
}

func evaluateCombine(c core.Combine, src FieldSource) bool {
	switch c.Op {
	case core.OpAnd:
		for _, child := range c.Children {
			if !Evaluate(child, src) {
				return false
			}
		}
		return len(c.Children) > 0
	case core.OpOr:
		for _, child := range c.Children {
			if Evaluate(child, src) {
				return true
			}
		}
		return false
	case core.OpNot:
		return len(c.Children) == 1 && !Evaluate(c.Children[0], src)
	default:
		return false
	}
}

// CompareCount applies an aggregation comparator to a batch row count.
func CompareCount(agg *core.Aggregation, count int) bool {
	n := float64(count)
	switch agg.Comparator {
	case ">":
		return n > agg.Threshold
	case ">=":
		return n >= agg.Threshold
	case "=":
		return n == agg.Threshold
	case "<":
		return n < agg.Threshold
	case "<=":
		return n <= agg.Threshold
	default:
		return false
	}
}
