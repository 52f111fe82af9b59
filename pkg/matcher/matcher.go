package matcher

import (
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/mongoclaw/mongoclaw/pkg/agent"
	"github.com/mongoclaw/mongoclaw/pkg/log"
	"github.com/mongoclaw/mongoclaw/pkg/metrics"
	"github.com/mongoclaw/mongoclaw/pkg/types"
)

// Match reports whether an agent should process a change event. The
// namespace, the operation, and the watch filter must all agree. A
// delete without a pre-image cannot satisfy a filter, so an agent that
// filters never matches bare deletes.
func Match(cfg *agent.Config, event *types.ChangeEvent) bool {
	if cfg.Watch.Database != event.Database || cfg.Watch.Collection != event.Collection {
		return false
	}
	if !cfg.WatchesOperation(event.Operation) {
		return false
	}
	if len(cfg.Watch.Filter) == 0 {
		return true
	}
	if event.FullDocument == nil {
		return false
	}
	return EvaluateFilter(cfg.Watch.Filter, event.FullDocument)
}

// MatchAgents returns the enabled agents that match the event. Updates
// that touched nothing but framework bookkeeping fields are echoes of our
// own writebacks; matching agents are suppressed and counted instead of
// dispatched, which is what breaks the enrichment feedback loop.
func MatchAgents(agents []*agent.Config, event *types.ChangeEvent) []*agent.Config {
	frameworkEcho := FrameworkOnlyUpdate(event)

	var matched []*agent.Config
	for _, cfg := range agents {
		if !cfg.IsEnabled() || !Match(cfg, event) {
			continue
		}
		if frameworkEcho {
			metrics.LoopGuardSkipsTotal.WithLabelValues(cfg.ID).Inc()
			log.Logger.Debug().
				Str("agent_id", cfg.ID).
				Str("namespace", event.Namespace()).
				Msg("Skipping writeback echo")
			continue
		}
		matched = append(matched, cfg)
	}
	return matched
}

// FrameworkOnlyUpdate reports whether an update event modified only the
// enrichment metadata and version counter fields
func FrameworkOnlyUpdate(event *types.ChangeEvent) bool {
	if event.Operation != types.OperationUpdate || event.UpdateDescription == nil {
		return false
	}
	updated, _ := asMap(event.UpdateDescription["updatedFields"])
	removed := asList(event.UpdateDescription["removedFields"])
	if len(updated) == 0 && len(removed) == 0 {
		return false
	}
	for path := range updated {
		if !frameworkField(path) {
			return false
		}
	}
	for _, r := range removed {
		path, ok := r.(string)
		if !ok || !frameworkField(path) {
			return false
		}
	}
	return true
}

// frameworkField reports whether a dotted update path is rooted at a
// framework-owned field
func frameworkField(path string) bool {
	root := path
	if i := strings.IndexByte(path, '.'); i >= 0 {
		root = path[:i]
	}
	return root == types.MetadataField || root == types.VersionField
}

// EvaluateFilter applies a MongoDB-style filter to a document. The
// supported surface is the subset agents use in watch filters:
// comparison operators, $in/$nin, $exists, $type, $regex with
// $options, and the top-level logical operators $and, $or, $not, $nor.
// Unknown operators log a warning and pass, so a typo surfaces in logs
// without silently dropping every event.
func EvaluateFilter(filter map[string]interface{}, doc map[string]interface{}) bool {
	for key, condition := range filter {
		if strings.HasPrefix(key, "$") {
			if !evaluateLogical(key, condition, doc) {
				return false
			}
			continue
		}

		value, found := resolvePath(doc, key)
		if !evaluateCondition(key, condition, value, found) {
			return false
		}
	}
	return true
}

func evaluateLogical(op string, condition interface{}, doc map[string]interface{}) bool {
	switch op {
	case "$and":
		for _, sub := range asFilterList(condition) {
			if !EvaluateFilter(sub, doc) {
				return false
			}
		}
		return true
	case "$or":
		subs := asFilterList(condition)
		for _, sub := range subs {
			if EvaluateFilter(sub, doc) {
				return true
			}
		}
		return len(subs) == 0
	case "$nor":
		for _, sub := range asFilterList(condition) {
			if EvaluateFilter(sub, doc) {
				return false
			}
		}
		return true
	case "$not":
		if sub, ok := asMap(condition); ok {
			return !EvaluateFilter(sub, doc)
		}
		return true
	}

	log.Logger.Warn().Str("operator", op).Msg("Unknown logical operator in watch filter, passing")
	return true
}

func evaluateCondition(field string, condition, value interface{}, found bool) bool {
	ops, isOps := operatorMap(condition)
	if !isOps {
		return found && equalValues(value, condition)
	}

	for op, expected := range ops {
		if op == "$options" {
			continue
		}
		if !applyOperator(field, op, ops, expected, value, found) {
			return false
		}
	}
	return true
}

func applyOperator(field, op string, ops map[string]interface{}, expected, value interface{}, found bool) bool {
	switch op {
	case "$eq":
		return found && equalValues(value, expected)
	case "$ne":
		return !found || !equalValues(value, expected)
	case "$gt":
		cmp, ok := compareValues(value, expected)
		return found && ok && cmp > 0
	case "$gte":
		cmp, ok := compareValues(value, expected)
		return found && ok && cmp >= 0
	case "$lt":
		cmp, ok := compareValues(value, expected)
		return found && ok && cmp < 0
	case "$lte":
		cmp, ok := compareValues(value, expected)
		return found && ok && cmp <= 0
	case "$in":
		if !found {
			return false
		}
		for _, item := range asList(expected) {
			if equalValues(value, item) {
				return true
			}
		}
		return false
	case "$nin":
		if !found {
			return true
		}
		for _, item := range asList(expected) {
			if equalValues(value, item) {
				return false
			}
		}
		return true
	case "$exists":
		want, _ := expected.(bool)
		return found == want
	case "$type":
		name, _ := expected.(string)
		return found && typeName(value) == name
	case "$regex":
		return found && matchRegex(value, expected, ops["$options"])
	}

	log.Logger.Warn().Str("field", field).Str("operator", op).Msg("Unknown operator in watch filter, passing")
	return true
}

func matchRegex(value, pattern, opts interface{}) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	p, ok := pattern.(string)
	if !ok {
		return false
	}
	if o, ok := opts.(string); ok && strings.Contains(o, "i") {
		p = "(?i)" + p
	}
	re, err := regexp.Compile(p)
	if err != nil {
		log.Logger.Warn().Err(err).Str("pattern", p).Msg("Invalid regex in watch filter")
		return false
	}
	return re.MatchString(s)
}

// resolvePath walks a dot path. Numeric segments index into arrays.
func resolvePath(doc map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = doc
	for _, seg := range strings.Split(path, ".") {
		if m, ok := asMap(cur); ok {
			v, exists := m[seg]
			if !exists {
				return nil, false
			}
			cur = v
			continue
		}
		if list := asList(cur); list != nil {
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(list) {
				return nil, false
			}
			cur = list[idx]
			continue
		}
		return nil, false
	}
	return cur, true
}

// operatorMap reports whether a condition is an operator document,
// i.e. a map whose keys all start with $
func operatorMap(condition interface{}) (map[string]interface{}, bool) {
	m, ok := asMap(condition)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for key := range m {
		if !strings.HasPrefix(key, "$") {
			return nil, false
		}
	}
	return m, true
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case primitive.M:
		return m, true
	}
	return nil, false
}

func asList(v interface{}) []interface{} {
	switch l := v.(type) {
	case []interface{}:
		return l
	case primitive.A:
		return l
	}
	return nil
}

func asFilterList(v interface{}) []map[string]interface{} {
	var out []map[string]interface{}
	for _, item := range asList(v) {
		if m, ok := asMap(item); ok {
			out = append(out, m)
		}
	}
	return out
}

func typeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case int, int32:
		return "int"
	case int64:
		return "long"
	case float32, float64:
		return "double"
	case primitive.ObjectID:
		return "objectId"
	case primitive.DateTime:
		return "date"
	case []interface{}, primitive.A:
		return "array"
	case map[string]interface{}, primitive.M:
		return "object"
	}
	return ""
}

func equalValues(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	if oa, ok := a.(primitive.ObjectID); ok {
		switch ob := b.(type) {
		case primitive.ObjectID:
			return oa == ob
		case string:
			return oa.Hex() == ob
		}
		return false
	}
	if sa, ok := a.(string); ok {
		switch sb := b.(type) {
		case string:
			return sa == sb
		case primitive.ObjectID:
			return sa == sb.Hex()
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two values, nil-safe: anything incomparable
// reports false rather than matching
func compareValues(a, b interface{}) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.Compare(sa, sb), true
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
