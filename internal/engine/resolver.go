package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	openToken  = "{{"
	closeToken = "}}"
)

// ResolveWarning records a placeholder left unresolved in a parameter value.
type ResolveWarning struct {
	Token  string `json:"token"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (w ResolveWarning) String() string {
	if w.Path == "" {
		return fmt.Sprintf("%s: %s", w.Token, w.Reason)
	}
	return fmt.Sprintf("%s: %s (%s)", w.Token, w.Reason, w.Path)
}

// BuildScope merges run inputs with the outputs of succeeded steps.
// A step ID shadows an input of the same name.
func BuildScope(inputs, outputs map[string]any) map[string]any {
	scope := make(map[string]any, len(inputs)+len(outputs))
	for k, v := range inputs {
		scope[k] = v
	}
	for k, v := range outputs {
		scope[k] = v
	}
	return scope
}

// ResolveParams substitutes {{path}} placeholders in every string leaf of params.
// Unresolvable placeholders stay literal and are reported as warnings.
// The input map is not modified.
func ResolveParams(params map[string]any, scope map[string]any) (map[string]any, []ResolveWarning) {
	if params == nil {
		return nil, nil
	}
	var warnings []ResolveWarning
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, w := ResolveValue(v, scope)
		out[k] = resolved
		warnings = append(warnings, w...)
	}
	return out, warnings
}

// ResolveValue resolves placeholders in a scalar, sequence, or nested mapping.
func ResolveValue(v any, scope map[string]any) (any, []ResolveWarning) {
	switch val := v.(type) {
	case string:
		return ResolveString(val, scope)
	case map[string]any:
		return ResolveParams(val, scope)
	case map[string]string:
		var warnings []ResolveWarning
		out := make(map[string]string, len(val))
		for k, s := range val {
			r, w := ResolveString(s, scope)
			out[k] = r
			warnings = append(warnings, w...)
		}
		return out, warnings
	case []any:
		var warnings []ResolveWarning
		out := make([]any, len(val))
		for i, item := range val {
			r, w := ResolveValue(item, scope)
			out[i] = r
			warnings = append(warnings, w...)
		}
		return out, warnings
	case []string:
		var warnings []ResolveWarning
		out := make([]string, len(val))
		for i, s := range val {
			r, w := ResolveString(s, scope)
			out[i] = r
			warnings = append(warnings, w...)
		}
		return out, warnings
	default:
		return v, nil
	}
}

// ResolveString replaces each {{path}} token with the string form of the value
// found at the dotted path in scope.
func ResolveString(s string, scope map[string]any) (string, []ResolveWarning) {
	if !strings.Contains(s, openToken) {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))
	var warnings []ResolveWarning

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], openToken)
		if idx == -1 {
			b.WriteString(s[i:])
			break
		}
		start := i + idx
		end := strings.Index(s[start+len(openToken):], closeToken)
		if end == -1 {
			warnings = append(warnings, ResolveWarning{Token: s[start:], Reason: "unclosed placeholder"})
			b.WriteString(s[i:])
			break
		}
		end += start + len(openToken)

		// "{{a {{b}}" resolves the innermost opening.
		inner := s[start+len(openToken) : end]
		if nested := strings.LastIndex(inner, openToken); nested != -1 {
			b.WriteString(s[i : start+len(openToken)+nested])
			i = start + len(openToken) + nested
			continue
		}

		b.WriteString(s[i:start])
		token := s[start : end+len(closeToken)]
		path := strings.TrimSpace(inner)

		switch {
		case path == "":
			warnings = append(warnings, ResolveWarning{Token: token, Reason: "empty placeholder"})
			b.WriteString(token)
		default:
			val, ok := Lookup(scope, path)
			if !ok {
				warnings = append(warnings, ResolveWarning{Token: token, Path: path, Reason: "path not found"})
				b.WriteString(token)
			} else {
				b.WriteString(Stringify(val))
			}
		}
		i = end + len(closeToken)
	}

	return b.String(), warnings
}

// Lookup walks a dotted path through nested maps and sequences.
// Numeric segments index into sequences.
func Lookup(scope map[string]any, path string) (any, bool) {
	if scope == nil || path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	current, ok := scope[parts[0]]
	if !ok {
		return nil, false
	}
	for _, part := range parts[1:] {
		if part == "" {
			return nil, false
		}
		current, ok = descend(current, part)
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func descend(current any, key string) (any, bool) {
	switch val := current.(type) {
	case map[string]any:
		v, ok := val[key]
		return v, ok
	case map[string]string:
		v, ok := val[key]
		return v, ok
	case []any:
		return index(len(val), key, func(i int) any { return val[i] })
	case []string:
		return index(len(val), key, func(i int) any { return val[i] })
	case []map[string]any:
		return index(len(val), key, func(i int) any { return val[i] })
	case nil, string, bool, float64, float32, int, int64, int32, uint, uint64, uint32, json.Number:
		return nil, false
	default:
		// Structs and typed collections are walked through their JSON form.
		normalized, ok := normalize(val)
		if !ok {
			return nil, false
		}
		return descend(normalized, key)
	}
}

func index(n int, key string, at func(int) any) (any, bool) {
	i, err := strconv.Atoi(key)
	if err != nil || i < 0 || i >= n {
		return nil, false
	}
	return at(i), true
}

func normalize(v any) (any, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false
	}
	switch out.(type) {
	case map[string]any, []any:
		return out, true
	}
	return nil, false
}

// Stringify renders a resolved value for embedding in a string parameter.
// Scalars use their natural form; collections and structs are rendered as JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case json.Number:
		return val.String()
	case fmt.Stringer:
		return val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
