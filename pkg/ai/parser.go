package ai

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/mongoclaw/mongoclaw/pkg/log"
)

var (
	fencedBlockRe   = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)```")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	bareKeyRe       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
)

// Parse extracts structured JSON from raw model output by trying
// strategies in order: the whole response, a fenced code block, the
// first balanced object, the first balanced array, then a repair pass
// over each candidate. If a schema is given the extracted value is
// validated against it.
//
// In strict mode an exhausted ladder or a failed validation is an
// error. In lenient mode validation failures are logged and the value
// kept, and an exhausted ladder falls back to wrapping the raw text
// as {"content": raw, "_raw": true}.
func Parse(raw string, schema map[string]interface{}, strict bool) (interface{}, error) {
	trimmed := strings.TrimSpace(raw)
	tried := make([]string, 0, 5)

	parsed, strategy, ok := runLadder(trimmed, &tried)
	if !ok {
		if strict {
			return nil, &ParseError{Strategies: tried, Raw: raw}
		}
		log.Logger.Warn().
			Strs("strategies", tried).
			Str("raw", truncate(raw, 200)).
			Msg("AI response unparseable, wrapping raw content")
		return map[string]interface{}{"content": raw, "_raw": true}, nil
	}

	if schema != nil {
		if err := validateAgainstSchema(parsed, schema); err != nil {
			if strict {
				return nil, err
			}
			log.Logger.Warn().
				Err(err).
				Str("strategy", strategy).
				Msg("AI response failed schema validation, keeping value")
		}
	}

	return parsed, nil
}

func runLadder(trimmed string, tried *[]string) (interface{}, string, bool) {
	try := func(strategy, candidate string) (interface{}, bool) {
		*tried = append(*tried, strategy)
		if candidate == "" {
			return nil, false
		}
		var v interface{}
		if err := json.Unmarshal([]byte(candidate), &v); err != nil {
			return nil, false
		}
		return v, true
	}

	if v, ok := try("direct", trimmed); ok {
		return v, "direct", true
	}

	fenced := ""
	if m := fencedBlockRe.FindStringSubmatch(trimmed); m != nil {
		fenced = strings.TrimSpace(m[1])
	}
	if v, ok := try("fenced", fenced); ok {
		return v, "fenced", true
	}

	object := extractBalanced(trimmed, '{', '}')
	if v, ok := try("object", object); ok {
		return v, "object", true
	}

	array := extractBalanced(trimmed, '[', ']')
	if v, ok := try("array", array); ok {
		return v, "array", true
	}

	*tried = append(*tried, "repair")
	for _, candidate := range []string{trimmed, fenced, object, array} {
		if candidate == "" {
			continue
		}
		var v interface{}
		if err := json.Unmarshal([]byte(repairJSON(candidate)), &v); err == nil {
			return v, "repair", true
		}
	}

	return nil, "", false
}

// extractBalanced returns the first substring delimited by open/close
// with balanced nesting, honoring double-quoted strings and escapes.
func extractBalanced(s string, open, close byte) string {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			if depth == 0 {
				start = i
			}
			depth++
		case c == close && depth > 0:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// repairJSON applies the common fixes for almost-JSON model output:
// trailing commas removed, bare object keys quoted, and single quotes
// swapped for double quotes when the text uses no double quotes at all.
func repairJSON(s string) string {
	if !strings.Contains(s, `"`) {
		s = strings.ReplaceAll(s, `'`, `"`)
	}
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	s = bareKeyRe.ReplaceAllString(s, `$1"$2":`)
	return s
}

// SchemaValidationError reports a response that parsed but did not
// conform to the agent's response schema.
type SchemaValidationError struct {
	Errors []string
}

func (e *SchemaValidationError) Error() string {
	return "response schema validation failed: " + strings.Join(e.Errors, "; ")
}

// ValidateSchema reports whether the given document is a usable JSON
// schema.
func ValidateSchema(schema map[string]interface{}) error {
	_, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	return err
}

func validateAgainstSchema(value interface{}, schema map[string]interface{}) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(value),
	)
	if err != nil {
		return &SchemaValidationError{Errors: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return &SchemaValidationError{Errors: msgs}
}
