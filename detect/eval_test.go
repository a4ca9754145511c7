package detect

import (
	"testing"
	"time"

	"aegis/core"

	"github.com/dlclark/regexp2"
	"github.com/stretchr/testify/assert"
)

func testEvent(fields map[string]interface{}) *core.Event {
	return &core.Event{
		EventID:   "ev-1",
		TenantID:  "t1",
		Timestamp: time.Now(),
		Fields:    fields,
	}
}

func TestEvaluate_Equals(t *testing.T) {
	expr := core.Selection{Field: "event_type", Modifier: core.ModifierEquals, Value: "user_login"}

	assert.True(t, Evaluate(expr, testEvent(map[string]interface{}{"event_type": "user_login"})))
	assert.False(t, Evaluate(expr, testEvent(map[string]interface{}{"event_type": "user_logout"})))
	assert.False(t, Evaluate(expr, testEvent(map[string]interface{}{})))
}

func TestEvaluate_EqualsCoercesNonStrings(t *testing.T) {
	expr := core.Selection{Field: "status_code", Modifier: core.ModifierEquals, Value: "401"}
	assert.True(t, Evaluate(expr, testEvent(map[string]interface{}{"status_code": 401})))
}

func TestEvaluate_Contains(t *testing.T) {
	expr := core.Selection{Field: "command_line", Modifier: core.ModifierContains, Value: "powershell"}
	assert.True(t, Evaluate(expr, testEvent(map[string]interface{}{"command_line": "C:\\powershell.exe -enc"})))
	assert.False(t, Evaluate(expr, testEvent(map[string]interface{}{"command_line": "cmd.exe"})))
}

func TestEvaluate_Regex(t *testing.T) {
	pattern := regexp2.MustCompile(`^10\.0\.\d+\.\d+$`, regexp2.RE2)
	pattern.MatchTimeout = 100 * time.Millisecond
	expr := core.Selection{Field: "source_ip", Modifier: core.ModifierRegex, Value: pattern.String(), Pattern: pattern}

	assert.True(t, Evaluate(expr, testEvent(map[string]interface{}{"source_ip": "10.0.3.7"})))
	assert.False(t, Evaluate(expr, testEvent(map[string]interface{}{"source_ip": "192.168.1.1"})))
}

func TestEvaluate_Combinators(t *testing.T) {
	login := core.Selection{Field: "event_type", Modifier: core.ModifierEquals, Value: "user_login"}
	admin := core.Selection{Field: "role", Modifier: core.ModifierEquals, Value: "admin"}

	ev := testEvent(map[string]interface{}{"event_type": "user_login", "role": "admin"})

	assert.True(t, Evaluate(core.Combine{Op: core.OpAnd, Children: []core.Expr{login, admin}}, ev))
	assert.True(t, Evaluate(core.Combine{Op: core.OpOr, Children: []core.Expr{login, admin}}, ev))
	assert.False(t, Evaluate(core.Combine{Op: core.OpNot, Children: []core.Expr{login}}, ev))

	evUser := testEvent(map[string]interface{}{"event_type": "user_login", "role": "user"})
	assert.False(t, Evaluate(core.Combine{Op: core.OpAnd, Children: []core.Expr{login, admin}}, evUser))
	assert.True(t, Evaluate(core.Combine{Op: core.OpOr, Children: []core.Expr{login, admin}}, evUser))
}

func TestEvaluate_AggregationNodeIsNeutral(t *testing.T) {
	sel := core.Selection{Field: "event_type", Modifier: core.ModifierEquals, Value: "auth_failure"}
	tree := core.Combine{Op: core.OpAnd, Children: []core.Expr{
		sel,
		&core.Aggregation{Function: core.AggCount, Comparator: ">", Threshold: 5},
	}}
	ev := testEvent(map[string]interface{}{"event_type": "auth_failure"})
	assert.True(t, Evaluate(tree, ev))
}

func TestCompareCount(t *testing.T) {
	agg := &core.Aggregation{Function: core.AggCount, Comparator: ">", Threshold: 5}
	assert.False(t, CompareCount(agg, 5))
	assert.True(t, CompareCount(agg, 6))

	agg = &core.Aggregation{Function: core.AggCount, Comparator: "=", Threshold: 3}
	assert.True(t, CompareCount(agg, 3))
	assert.False(t, CompareCount(agg, 4))
}
