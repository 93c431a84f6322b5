// Package params evaluates input-parameter expression maps against workflow
// and task context. Expressions use ${...} placeholders holding either a
// dotted path over the workflow document (workflow.input.x, ref.output.y)
// or an expr-lang expression over the same document.
package params

import (
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/petrijr/maestro/pkg/api"
)

// Resolver is referentially transparent: the same expression map and
// document always produce the same result. Compiled expressions are cached
// by source.
type Resolver struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates a Resolver with an initialized program cache.
func New() *Resolver {
	return &Resolver{cache: make(map[string]*vm.Program)}
}

// TaskInput resolves an expression map with the variant selected by the
// workflow's schema version: shallow substitution for version 1, nested
// traversal for version 2 and above.
func (r *Resolver) TaskInput(params map[string]any, w *api.Workflow, taskDef *api.TaskDef, taskID string) map[string]any {
	if w.SchemaVersion >= 2 {
		return r.TaskInputV2(params, w, taskDef, taskID)
	}
	return r.taskInputV1(params, w)
}

// taskInputV1 substitutes top-level string values only; nested structures
// pass through untouched.
func (r *Resolver) taskInputV1(params map[string]any, w *api.Workflow) map[string]any {
	doc := document(w, nil, "")
	out := make(map[string]any, len(params))
	for k, v := range params {
		if s, ok := v.(string); ok {
			out[k] = r.replace(s, doc)
		} else {
			out[k] = v
		}
	}
	return out
}

// TaskInputV2 resolves nested maps and lists, traversing ${...} paths over
// the full workflow document.
func (r *Resolver) TaskInputV2(params map[string]any, w *api.Workflow, taskDef *api.TaskDef, taskID string) map[string]any {
	doc := document(w, taskDef, taskID)
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = r.resolveValue(v, doc)
	}
	return out
}

func (r *Resolver) resolveValue(v any, doc map[string]any) any {
	switch tv := v.(type) {
	case string:
		return r.replace(tv, doc)
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, nested := range tv {
			out[k] = r.resolveValue(nested, doc)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, nested := range tv {
			out[i] = r.resolveValue(nested, doc)
		}
		return out
	default:
		return v
	}
}

// replace handles a string value. A string that is exactly one placeholder
// resolves to the referenced value with its type preserved; placeholders
// embedded in longer strings are interpolated as text. Unresolvable
// placeholders yield nil (or an empty fragment when interpolated), never an
// error.
func (r *Resolver) replace(s string, doc map[string]any) any {
	if inner, ok := wholePlaceholder(s); ok {
		return r.evaluate(inner, doc)
	}
	if !strings.Contains(s, "${") {
		return s
	}

	var b strings.Builder
	rest := s
	for {
		i := strings.Index(rest, "${")
		if i < 0 {
			b.WriteString(rest)
			return b.String()
		}
		j := strings.Index(rest[i:], "}")
		if j < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:i])
		if v := r.evaluate(rest[i+2:i+j], doc); v != nil {
			b.WriteString(stringify(v))
		}
		rest = rest[i+j+1:]
	}
}

func wholePlaceholder(s string) (string, bool) {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	inner := s[2 : len(s)-1]
	// A second opening marker means this is interpolation, not a single
	// placeholder.
	if strings.Contains(inner, "${") {
		return "", false
	}
	return inner, true
}

// evaluate resolves one placeholder body: dotted paths are traversed
// directly, anything else is handed to expr. Both fall back to nil.
func (r *Resolver) evaluate(inner string, doc map[string]any) any {
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return nil
	}
	if isPath(inner) {
		return lookupPath(doc, inner)
	}
	return r.evalExpr(inner, doc)
}

// EvalExpr evaluates a bare expression (no ${...} wrapper) against an
// arbitrary document. Compilation or evaluation failures yield nil.
func (r *Resolver) EvalExpr(source string, doc map[string]any) any {
	return r.evalExpr(source, doc)
}

func (r *Resolver) evalExpr(source string, doc map[string]any) any {
	r.mu.RLock()
	program, ok := r.cache[source]
	r.mu.RUnlock()

	if !ok {
		var err error
		// Compile without a typed env so documents with differing shapes
		// share the cached program.
		program, err = expr.Compile(source, expr.AllowUndefinedVariables())
		if err != nil {
			return nil
		}
		r.mu.Lock()
		r.cache[source] = program
		r.mu.Unlock()
	}

	out, err := expr.Run(program, doc)
	if err != nil {
		return nil
	}
	return out
}

func isPath(s string) bool {
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}
		for _, c := range part {
			if !(c == '_' || c == '-' ||
				(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
				return false
			}
		}
	}
	return true
}

// lookupPath walks a dotted path through nested maps and lists. Numeric
// segments index lists. A missing segment yields nil.
func lookupPath(doc map[string]any, path string) any {
	var current any = doc
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			current = node[part]
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
		if current == nil {
			return nil
		}
	}
	return current
}

func stringify(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case int:
		return strconv.Itoa(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	case bool:
		return strconv.FormatBool(tv)
	default:
		return ""
	}
}

// document builds the evaluation context: the workflow under "workflow" and
// every task instance under its reference name.
func document(w *api.Workflow, taskDef *api.TaskDef, taskID string) map[string]any {
	doc := make(map[string]any, len(w.Tasks)+2)
	doc["workflow"] = map[string]any{
		"workflowId":            w.ID,
		"workflowType":          w.Name,
		"version":               w.Version,
		"status":                string(w.Status),
		"correlationId":         w.CorrelationID,
		"input":                 w.Input,
		"output":                w.Output,
		"reasonForIncompletion": w.ReasonForIncompletion,
		"schemaVersion":         w.SchemaVersion,
	}
	// Later instances overwrite earlier ones, so the live attempt of a
	// retried task wins.
	for _, t := range w.Tasks {
		doc[t.ReferenceName] = map[string]any{
			"taskId":        t.ID,
			"taskType":      string(t.Type),
			"status":        string(t.Status),
			"input":         t.Input,
			"output":        t.Output,
			"retryCount":    t.RetryCount,
			"referenceName": t.ReferenceName,
		}
	}
	if taskDef != nil || taskID != "" {
		taskCtx := map[string]any{"taskId": taskID}
		if taskDef != nil {
			taskCtx["taskDefName"] = taskDef.Name
		}
		doc["task"] = taskCtx
	}
	return doc
}
