package prompts

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Render expands a template against vars. Supported constructs, and nothing
// more: {{NAME}} substitution, {{#if NAME}}...{{/if}} truthy blocks, and
// {{#each NAME}}...{{/each}} iteration over string lists with {{.}} as the
// current item. Unknown variables render as empty strings.
func Render(template string, vars map[string]any) string {
	return substitute(renderBlocks(template, vars), vars)
}

const (
	openIfTag   = "{{#if "
	closeIfTag  = "{{/if}}"
	openEachTag = "{{#each "
	closeEachTag = "{{/each}}"
)

// renderBlocks repeatedly expands the earliest block tag. Splicing and
// re-scanning keeps nested blocks correct: the outermost block is always
// the earliest occurrence.
func renderBlocks(s string, vars map[string]any) string {
	for {
		iIf := strings.Index(s, openIfTag)
		iEach := strings.Index(s, openEachTag)
		if iIf < 0 && iEach < 0 {
			return s
		}
		if iEach < 0 || (iIf >= 0 && iIf < iEach) {
			expanded, ok := expandIf(s, iIf, vars)
			if !ok {
				return s
			}
			s = expanded
		} else {
			expanded, ok := expandEach(s, iEach, vars)
			if !ok {
				return s
			}
			s = expanded
		}
	}
}

func expandIf(s string, start int, vars map[string]any) (string, bool) {
	name, bodyStart, ok := parseTagName(s, start, openIfTag)
	if !ok {
		return s, false
	}
	bodyEnd, blockEnd, ok := findMatching(s, bodyStart, openIfTag, closeIfTag)
	if !ok {
		return s, false
	}

	var replacement string
	if truthy(vars[name]) {
		replacement = s[bodyStart:bodyEnd]
	}
	return s[:start] + replacement + s[blockEnd:], true
}

func expandEach(s string, start int, vars map[string]any) (string, bool) {
	name, bodyStart, ok := parseTagName(s, start, openEachTag)
	if !ok {
		return s, false
	}
	bodyEnd, blockEnd, ok := findMatching(s, bodyStart, openEachTag, closeEachTag)
	if !ok {
		return s, false
	}

	body := s[bodyStart:bodyEnd]
	var b strings.Builder
	for _, item := range listOf(vars[name]) {
		b.WriteString(strings.ReplaceAll(body, "{{.}}", item))
	}
	return s[:start] + b.String() + s[blockEnd:], true
}

// parseTagName reads the variable name of a block opening at start and
// returns the index just past the closing "}}".
func parseTagName(s string, start int, openTag string) (string, int, bool) {
	nameStart := start + len(openTag)
	rel := strings.Index(s[nameStart:], "}}")
	if rel < 0 {
		return "", 0, false
	}
	name := strings.TrimSpace(s[nameStart : nameStart+rel])
	return name, nameStart + rel + 2, true
}

// findMatching locates the close tag paired with the block whose body
// starts at bodyStart, counting nested openings of the same type.
func findMatching(s string, bodyStart int, openTag, closeTag string) (bodyEnd, blockEnd int, ok bool) {
	depth := 1
	i := bodyStart
	for {
		nextOpen := strings.Index(s[i:], openTag)
		nextClose := strings.Index(s[i:], closeTag)
		if nextClose < 0 {
			return 0, 0, false
		}
		if nextOpen >= 0 && nextOpen < nextClose {
			depth++
			i += nextOpen + len(openTag)
			continue
		}
		depth--
		if depth == 0 {
			return i + nextClose, i + nextClose + len(closeTag), true
		}
		i += nextClose + len(closeTag)
	}
}

var varPattern = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

func substitute(s string, vars map[string]any) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-2]
		v, present := vars[name]
		if !present {
			return ""
		}
		return stringOf(v)
	})
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case []string:
		return len(x) > 0
	case []any:
		return len(x) > 0
	default:
		return true
	}
}

func listOf(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		items := make([]string, 0, len(x))
		for _, it := range x {
			items = append(items, stringOf(it))
		}
		return items
	case nil:
		return nil
	default:
		return []string{stringOf(x)}
	}
}

func stringOf(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case []string:
		return strings.Join(x, ", ")
	default:
		return fmt.Sprintf("%v", x)
	}
}
