package classify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"aegis/core"

	"github.com/dlclark/regexp2"
)

// parsedDetection is the intermediate result of parsing a detection block.
type parsedDetection struct {
	expr           core.Expr
	aggregation    *core.Aggregation
	usesRegex      bool
	selectionCount int
}

// parseDetection compiles the named selections and the condition string of a
// detection block into one expression tree. When an aggregation suffix is
// present the aggregation node is attached as a conjunct; evaluation treats
// it as neutral and the scheduled engine applies it over the batch.
func parseDetection(detection map[string]interface{}, regexTimeout time.Duration) (*parsedDetection, error) {
	condition := ""
	selections := make(map[string]core.Expr)
	usesRegex := false

	for name, raw := range detection {
		if name == "condition" {
			s, ok := raw.(string)
			if !ok {
				return nil, core.NewValidationError("detection.condition", "condition must be a string")
			}
			condition = strings.TrimSpace(s)
			continue
		}
		fields, ok := raw.(map[string]interface{})
		if !ok {
			return nil, core.NewValidationError("detection."+name, "selection must be a field map")
		}
		expr, hasRegex, err := compileSelection(name, fields, regexTimeout)
		if err != nil {
			return nil, err
		}
		selections[name] = expr
		usesRegex = usesRegex || hasRegex
	}

	if len(selections) == 0 {
		return nil, core.NewValidationError("detection", "at least one selection is required")
	}

	var agg *core.Aggregation
	if condition != "" {
		if base, suffix, found := strings.Cut(condition, "|"); found {
			condition = strings.TrimSpace(base)
			parsed, err := parseAggregation(strings.TrimSpace(suffix))
			if err != nil {
				return nil, err
			}
			agg = parsed
		}
	}

	var expr core.Expr
	switch {
	case condition != "":
		parsed, err := newConditionParser(condition, selections).parse()
		if err != nil {
			return nil, err
		}
		expr = parsed
	case len(selections) == 1:
		for _, only := range selections {
			expr = only
		}
	default:
		return nil, core.NewValidationError("detection.condition",
			"condition is required when multiple selections are defined")
	}

	if agg != nil {
		// The node is shared by pointer so the timeframe, parsed separately,
		// lands in the tree as well.
		expr = core.Combine{Op: core.OpAnd, Children: []core.Expr{expr, agg}}
	}

	return &parsedDetection{
		expr:           expr,
		aggregation:    agg,
		usesRegex:      usesRegex,
		selectionCount: len(selections),
	}, nil
}

// compileSelection builds the expression for one named selection. Multiple
// fields in a selection are conjoined; list values for a field are
// alternatives.
func compileSelection(name string, fields map[string]interface{}, regexTimeout time.Duration) (core.Expr, bool, error) {
	usesRegex := false
	conjuncts := make([]core.Expr, 0, len(fields))

	for spec, raw := range fields {
		field, modifier, err := splitFieldSpec(name, spec)
		if err != nil {
			return nil, false, err
		}
		if modifier == core.ModifierRegex {
			usesRegex = true
		}

		values, err := stringValues(name, spec, raw)
		if err != nil {
			return nil, false, err
		}

		alts := make([]core.Expr, 0, len(values))
		for _, value := range values {
			sel := core.Selection{Field: field, Modifier: modifier, Value: value}
			if modifier == core.ModifierRegex {
				pattern, err := regexp2.Compile(value, regexp2.RE2)
				if err != nil {
					return nil, false, core.NewValidationError(
						fmt.Sprintf("detection.%s.%s", name, spec), "invalid regex %q: %v", value, err)
				}
				pattern.MatchTimeout = regexTimeout
				sel.Pattern = pattern
			}
			alts = append(alts, sel)
		}
		if len(alts) == 1 {
			conjuncts = append(conjuncts, alts[0])
		} else {
			conjuncts = append(conjuncts, core.Combine{Op: core.OpOr, Children: alts})
		}
	}

	if len(conjuncts) == 0 {
		return nil, false, core.NewValidationError("detection."+name, "selection has no fields")
	}
	if len(conjuncts) == 1 {
		return conjuncts[0], usesRegex, nil
	}
	return core.Combine{Op: core.OpAnd, Children: conjuncts}, usesRegex, nil
}

func splitFieldSpec(selection, spec string) (string, core.Modifier, error) {
	field, mod, found := strings.Cut(spec, "|")
	if field == "" {
		return "", "", core.NewValidationError("detection."+selection, "empty field name in %q", spec)
	}
	if !found {
		return field, core.ModifierEquals, nil
	}
	switch strings.ToLower(mod) {
	case "equals":
		return field, core.ModifierEquals, nil
	case "contains":
		return field, core.ModifierContains, nil
	case "regex", "re":
		return field, core.ModifierRegex, nil
	default:
		return "", "", core.NewValidationError(
			fmt.Sprintf("detection.%s.%s", selection, spec), "unknown modifier %q", mod)
	}
}

func stringValues(selection, spec string, raw interface{}) ([]string, error) {
	switch v := raw.(type) {
	case []interface{}:
		if len(v) == 0 {
			return nil, core.NewValidationError(
				fmt.Sprintf("detection.%s.%s", selection, spec), "value list is empty")
		}
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, scalarString(item))
		}
		return out, nil
	case nil:
		return nil, core.NewValidationError(
			fmt.Sprintf("detection.%s.%s", selection, spec), "value is required")
	default:
		return []string{scalarString(v)}, nil
	}
}

func scalarString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// parseAggregation parses an aggregation suffix such as "count() > 5".
func parseAggregation(s string) (*core.Aggregation, error) {
	rest, ok := strings.CutPrefix(s, "count()")
	if !ok {
		return nil, core.NewValidationError("detection.condition",
			"unsupported aggregation %q (only count() is supported)", s)
	}
	rest = strings.TrimSpace(rest)

	var cmp string
	for _, c := range []string{">=", "<=", "==", ">", "<", "="} {
		if strings.HasPrefix(rest, c) {
			cmp = c
			rest = strings.TrimSpace(strings.TrimPrefix(rest, c))
			break
		}
	}
	if cmp == "" {
		return nil, core.NewValidationError("detection.condition",
			"aggregation %q is missing a comparator", s)
	}
	if cmp == "==" {
		cmp = "="
	}

	threshold, err := strconv.ParseFloat(rest, 64)
	if err != nil {
		return nil, core.NewValidationError("detection.condition",
			"aggregation threshold %q is not a number", rest)
	}

	return &core.Aggregation{
		Function:   core.AggCount,
		Comparator: cmp,
		Threshold:  threshold,
	}, nil
}

// conditionParser is a small recursive-descent parser over selection names
// combined with and/or/not and parentheses.
type conditionParser struct {
	tokens     []string
	pos        int
	selections map[string]core.Expr
}

func newConditionParser(condition string, selections map[string]core.Expr) *conditionParser {
	return &conditionParser{
		tokens:     tokenizeCondition(condition),
		selections: selections,
	}
}

func tokenizeCondition(s string) []string {
	s = strings.ReplaceAll(s, "(", " ( ")
	s = strings.ReplaceAll(s, ")", " ) ")
	return strings.Fields(s)
}

func (p *conditionParser) parse() (core.Expr, error) {
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, core.NewValidationError("detection.condition",
			"unexpected token %q", p.tokens[p.pos])
	}
	return expr, nil
}

func (p *conditionParser) parseOr() (core.Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []core.Expr{left}
	for p.accept("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return core.Combine{Op: core.OpOr, Children: children}, nil
}

func (p *conditionParser) parseAnd() (core.Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	children := []core.Expr{left}
	for p.accept("and") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return core.Combine{Op: core.OpAnd, Children: children}, nil
}

func (p *conditionParser) parseUnary() (core.Expr, error) {
	if p.accept("not") {
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return core.Combine{Op: core.OpNot, Children: []core.Expr{child}}, nil
	}
	return p.parsePrimary()
}

func (p *conditionParser) parsePrimary() (core.Expr, error) {
	if p.accept("(") {
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.accept(")") {
			return nil, core.NewValidationError("detection.condition", "missing closing parenthesis")
		}
		return expr, nil
	}
	if p.pos >= len(p.tokens) {
		return nil, core.NewValidationError("detection.condition", "unexpected end of condition")
	}
	name := p.tokens[p.pos]
	p.pos++
	expr, ok := p.selections[name]
	if !ok {
		return nil, core.NewValidationError("detection.condition",
			"condition references unknown selection %q", name)
	}
	return expr, nil
}

func (p *conditionParser) accept(token string) bool {
	if p.pos < len(p.tokens) && strings.EqualFold(p.tokens[p.pos], token) {
		p.pos++
		return true
	}
	return false
}
