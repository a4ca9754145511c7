package storage

import (
	"fmt"
	"strings"

	"aegis/core"
)

// envelopeColumns are event fields stored as real columns rather than inside
// the fields JSON blob.
var envelopeColumns = map[string]string{
	"event_id":  "event_id",
	"tenant_id": "tenant_id",
}

// buildWhere translates a compiled selection tree into a parameterized
// ClickHouse WHERE fragment. Aggregation nodes contribute nothing here;
// count thresholds are applied by the evaluator over the returned rows.
// Field values are always bound as parameters, never interpolated.
func buildWhere(expr core.Expr) (string, []interface{}, error) {
	switch n := expr.(type) {
	case core.Selection:
		return buildSelection(&n)
	case *core.Selection:
		return buildSelection(n)
	case core.Combine:
		return buildCombine(&n)
	case *core.Combine:
		return buildCombine(n)
	case core.Aggregation, *core.Aggregation:
		return "1", nil, nil
	case nil:
		return "1", nil, nil
	default:
		return "", nil, fmt.Errorf("unsupported expression node %T", expr)
	}
}

func fieldExpr(field string) string {
	if col, ok := envelopeColumns[field]; ok {
		return col
	}
	return "JSONExtractString(fields, ?)"
}

func buildSelection(sel *core.Selection) (string, []interface{}, error) {
	col := fieldExpr(sel.Field)
	var args []interface{}
	if strings.Contains(col, "?") {
		args = append(args, sel.Field)
	}

	switch sel.Modifier {
	case core.ModifierEquals:
		return col + " = ?", append(args, sel.Value), nil
	case core.ModifierContains:
		return "position(" + col + ", ?) > 0", append(args, sel.Value), nil
	case core.ModifierRegex:
		return "match(" + col + ", ?)", append(args, sel.Value), nil
	default:
		return "", nil, fmt.Errorf("unsupported modifier %q", sel.Modifier)
	}
}

func buildCombine(c *core.Combine) (string, []interface{}, error) {
	if c.Op == core.OpNot {
		if len(c.Children) != 1 {
			return "", nil, fmt.Errorf("not takes exactly one operand, got %d", len(c.Children))
		}
		inner, args, err := buildWhere(c.Children[0])
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + inner + ")", args, nil
	}

	var op string
	switch c.Op {
	case core.OpAnd:
		op = " AND "
	case core.OpOr:
		op = " OR "
	default:
		return "", nil, fmt.Errorf("unsupported boolean operator %q", c.Op)
	}

	parts := make([]string, 0, len(c.Children))
	var args []interface{}
	for _, child := range c.Children {
		frag, childArgs, err := buildWhere(child)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, "("+frag+")")
		args = append(args, childArgs...)
	}
	if len(parts) == 0 {
		return "1", nil, nil
	}
	return strings.Join(parts, op), args, nil
}
