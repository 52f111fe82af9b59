package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/mongoclaw/mongoclaw/pkg/types"
)

// templateFuncs are available inside prompt and idempotency-key
// templates.
var templateFuncs = template.FuncMap{
	"json": func(v interface{}) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"jsonindent": func(v interface{}) (string, error) {
		b, err := json.MarshalIndent(v, "", "  ")
		return string(b), err
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"truncate": func(n int, s string) string {
		if len(s) <= n {
			return s
		}
		return s[:n]
	},
	"default": func(def, v interface{}) interface{} {
		switch t := v.(type) {
		case nil:
			return def
		case string:
			if t == "" {
				return def
			}
		}
		return v
	},
}

func parseTemplate(src string) (*template.Template, error) {
	return template.New("prompt").Funcs(templateFuncs).Option("missingkey=zero").Parse(src)
}

// ValidateTemplate parses a template without rendering it, surfacing
// syntax errors and unknown functions at agent load time.
func ValidateTemplate(src string) error {
	if _, err := parseTemplate(src); err != nil {
		return fmt.Errorf("invalid template: %w", err)
	}
	return nil
}

// RenderTemplate renders a template against a prompt context
func RenderTemplate(src string, ctx map[string]interface{}) (string, error) {
	tmpl, err := parseTemplate(src)
	if err != nil {
		return "", &PromptRenderError{Err: err}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", &PromptRenderError{Err: err}
	}
	return buf.String(), nil
}

// PromptContext builds the template environment for a work item. The
// document is reachable as .document and .doc, event coordinates under
// .event, and .now/.timestamp carry the render time.
func PromptContext(agentID string, item *types.WorkItem) map[string]interface{} {
	now := time.Now().UTC()

	operation := ""
	if item.ChangeEvent != nil {
		operation = string(item.ChangeEvent.Operation)
	}

	return map[string]interface{}{
		"document": item.Document,
		"doc":      item.Document,
		"event": map[string]interface{}{
			"operation":   operation,
			"database":    item.Database,
			"collection":  item.Collection,
			"document_id": item.DocumentID,
		},
		"operation": operation,
		"agent":     agentID,
		"now":       now.Format(time.RFC3339),
		"timestamp": now.Unix(),
	}
}
