package engine

import (
	"fmt"
	"strings"
)

// renderTemplate substitutes {key} placeholders in a single pass. Each key is
// looked up once; unresolved placeholders pass through as literal text so
// optional fields never break a step.
func renderTemplate(template string, lookup func(key string) (any, bool)) string {
	if !strings.ContainsRune(template, '{') {
		return template
	}
	var b strings.Builder
	b.Grow(len(template))
	for i := 0; i < len(template); {
		open := strings.IndexByte(template[i:], '{')
		if open < 0 {
			b.WriteString(template[i:])
			break
		}
		open += i
		b.WriteString(template[i:open])
		end := strings.IndexByte(template[open:], '}')
		if end < 0 {
			b.WriteString(template[open:])
			break
		}
		end += open
		key := template[open+1 : end]
		if val, ok := lookup(key); ok && validKey(key) {
			b.WriteString(fmt.Sprint(val))
		} else {
			b.WriteString(template[open : end+1])
		}
		i = end + 1
	}
	return b.String()
}

// validKey rejects placeholder bodies containing nested braces or newlines,
// which are treated as literal text rather than substitution points.
func validKey(key string) bool {
	return key != "" && !strings.ContainsAny(key, "{}\n")
}

// mergedLookup resolves a key against step results first, then the initial
// parameters, so a step output shadows a parameter of the same name.
func mergedLookup(results map[string]any, params map[string]any) func(string) (any, bool) {
	return func(key string) (any, bool) {
		if v, ok := results[key]; ok {
			return v, true
		}
		if v, ok := params[key]; ok {
			return v, true
		}
		return nil, false
	}
}
