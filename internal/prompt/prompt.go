// Package prompt renders prompt templates against dataset rows.
package prompt

import (
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Render substitutes every {{field}} token bound to a row field. Fields whose
// value is empty render as empty text; tokens naming no field stay verbatim.
// A nil row echoes the template unchanged.
func Render(template string, row map[string]string) string {
	if row == nil {
		return template
	}

	return placeholder.ReplaceAllStringFunc(template, func(token string) string {
		name := placeholder.FindStringSubmatch(token)[1]
		value, ok := row[name]
		if !ok {
			return token
		}
		if strings.TrimSpace(value) == "" {
			return ""
		}
		return value
	})
}

// Fields lists the distinct field names referenced by a template, in order of first use.
func Fields(template string) []string {
	matches := placeholder.FindAllStringSubmatch(template, -1)
	seen := make(map[string]bool, len(matches))
	fields := make([]string, 0, len(matches))
	for _, m := range matches {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		fields = append(fields, m[1])
	}
	return fields
}

// Renderer adapts Render to the engine's collaborator interface.
type Renderer struct{}

func (Renderer) Render(template string, row map[string]string) string {
	return Render(template, row)
}
