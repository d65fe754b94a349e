// Package prompt renders the instructions sent to the remediation agent.
package prompt

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	varRe      = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe   = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	ifCloseTag = "{{/if}}"
)

// Vars is a map of variable names to values for template rendering.
type Vars map[string]string

// Render expands tmpl. {{name}} is replaced with its value and a missing
// variable is an error. {{#if name}}...{{/if}} keeps its body only when
// name is set and non-empty; blocks may nest.
func Render(tmpl string, vars Vars) (string, error) {
	body, err := expandConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	out := varRe.ReplaceAllStringFunc(body, func(match string) string {
		name := varRe.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// expandConditionals resolves the innermost {{#if}} block first: the last
// opening tag before the first closing tag.
func expandConditionals(tmpl string, vars Vars) (string, error) {
	s := tmpl
	for {
		closeAt := strings.Index(s, ifCloseTag)
		if closeAt < 0 {
			break
		}
		opens := ifOpenRe.FindAllStringSubmatchIndex(s[:closeAt], -1)
		if len(opens) == 0 {
			return "", fmt.Errorf("dangling %s without matching {{#if}}", ifCloseTag)
		}
		open := opens[len(opens)-1]
		name := s[open[2]:open[3]]

		keep := ""
		if vars[name] != "" {
			keep = s[open[1]:closeAt]
		}
		s = s[:open[0]] + keep + s[closeAt+len(ifCloseTag):]
	}

	if tag := ifOpenRe.FindString(s); tag != "" {
		return "", fmt.Errorf("unclosed conditional block: %s", tag)
	}
	return s, nil
}

// LoadTemplate returns the batch template at path, or the built-in one
// when path is empty.
func LoadTemplate(path string) (string, error) {
	if path == "" {
		return BatchTemplate, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt template: %w", err)
	}
	return string(data), nil
}
