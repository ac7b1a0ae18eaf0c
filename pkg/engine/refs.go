package engine

import (
	"fmt"
	"strings"
)

// Reference points at another node's output attribute. An empty Attr
// resolves to the producer's provider-assigned ID.
type Reference struct {
	Target string
	Attr   string
}

// String renders the reference in its source form.
func (r Reference) String() string {
	if r.Attr == "" {
		return "${" + r.Target + "}"
	}
	return "${" + r.Target + "." + r.Attr + "}"
}

func parseReference(expr string) Reference {
	expr = strings.TrimSpace(expr)
	if i := strings.IndexByte(expr, '.'); i >= 0 {
		return Reference{Target: expr[:i], Attr: expr[i+1:]}
	}
	return Reference{Target: expr}
}

// extractReferences walks an attribute value and collects every ${...}
// reference, depth first, deduplicated.
func extractReferences(value interface{}) []Reference {
	var refs []Reference
	walkReferences(value, &refs)

	seen := make(map[Reference]bool, len(refs))
	out := refs[:0]
	for _, r := range refs {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

func walkReferences(value interface{}, refs *[]Reference) {
	switch v := value.(type) {
	case string:
		for _, expr := range findInterpolations(v) {
			*refs = append(*refs, parseReference(expr))
		}
	case map[string]interface{}:
		for _, val := range v {
			walkReferences(val, refs)
		}
	case []interface{}:
		for _, val := range v {
			walkReferences(val, refs)
		}
	}
}

// findInterpolations scans a string for ${...} expressions, matching nested
// braces so map-style expressions survive intact.
func findInterpolations(input string) []string {
	var exprs []string
	runes := []rune(input)
	i := 0
	for i < len(runes)-1 {
		if runes[i] != '$' || runes[i+1] != '{' {
			i++
			continue
		}
		start := i
		i += 2
		depth := 1
		for i < len(runes) && depth > 0 {
			switch runes[i] {
			case '{':
				depth++
			case '}':
				depth--
			}
			i++
		}
		if depth == 0 {
			exprs = append(exprs, string(runes[start+2:i-1]))
		}
	}
	return exprs
}

// lookupFunc resolves a reference to a concrete value. The second return
// is false when the producer's output is not (yet) known.
type lookupFunc func(ref Reference) (interface{}, bool)

// resolveValue substitutes every reference inside value. A string that is
// exactly one reference keeps the looked-up value's type; references
// embedded in longer strings are stringified in place.
func resolveValue(value interface{}, lookup lookupFunc) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, lookup)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			resolved, err := resolveValue(val, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			resolved, err := resolveValue(val, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func resolveString(s string, lookup lookupFunc) (interface{}, error) {
	exprs := findInterpolations(s)
	if len(exprs) == 0 {
		return s, nil
	}

	// Whole-string reference: preserve the output's type.
	if len(exprs) == 1 && s == "${"+exprs[0]+"}" {
		ref := parseReference(exprs[0])
		val, ok := lookup(ref)
		if !ok {
			return nil, NewConfigurationError(
				fmt.Sprintf("unresolved reference %s", ref), nil).
				WithCode(ErrCodeUnknownReference)
		}
		return val, nil
	}

	out := s
	for _, expr := range exprs {
		ref := parseReference(expr)
		val, ok := lookup(ref)
		if !ok {
			return nil, NewConfigurationError(
				fmt.Sprintf("unresolved reference %s", ref), nil).
				WithCode(ErrCodeUnknownReference)
		}
		out = strings.ReplaceAll(out, "${"+expr+"}", fmt.Sprintf("%v", val))
	}
	return out, nil
}

// resolveAttrs resolves every reference in an attribute map.
func resolveAttrs(attrs map[string]interface{}, lookup lookupFunc) (map[string]interface{}, error) {
	resolved, err := resolveValue(attrs, lookup)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]interface{}), nil
}
