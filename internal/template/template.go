// Package template implements the {{name}} placeholder syntax used by task
// type templates. Placeholder names are identifiers: a letter followed by
// letters, digits, or underscores. Anything else between braces is left
// untouched.
package template

import (
	"regexp"
	"sort"
)

var placeholderRe = regexp.MustCompile(`\{\{([A-Za-z][A-Za-z0-9_]*)\}\}`)

// Vars returns the distinct placeholder names in tmpl, in order of first
// appearance.
func Vars(tmpl string) []string {
	matches := placeholderRe.FindAllStringSubmatch(tmpl, -1)
	seen := make(map[string]bool, len(matches))
	var names []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Render substitutes every bound placeholder in tmpl. Placeholders without a
// binding are left verbatim so the gap is visible in the rendered output.
// Extra bindings that never appear in tmpl are ignored.
func Render(tmpl string, vars map[string]string) string {
	if len(vars) == 0 {
		return tmpl
	}
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[2 : len(m)-2]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// Missing returns the placeholder names in tmpl that have no binding in vars,
// sorted for stable error messages. An empty result means tmpl renders fully.
func Missing(tmpl string, vars map[string]string) []string {
	var missing []string
	for _, name := range Vars(tmpl) {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// ExtraDeclared returns the names in declared that the template never
// references, sorted. Task type creation rejects such declarations: a
// declared variable must appear in the template.
func ExtraDeclared(tmpl string, declared []string) []string {
	if len(declared) == 0 {
		return nil
	}
	present := make(map[string]bool)
	for _, name := range Vars(tmpl) {
		present[name] = true
	}
	var extra []string
	for _, d := range declared {
		if !present[d] {
			extra = append(extra, d)
		}
	}
	sort.Strings(extra)
	return extra
}

// ValidName reports whether name is usable as a placeholder, i.e. whether
// {{name}} would be recognized by the parser.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	return placeholderRe.MatchString("{{" + name + "}}")
}
