package application

import (
	"regexp"
	"strings"
)

var (
	fencedJSONPattern    = regexp.MustCompile("(?s)```(?:json|JSON)[ \\t]*\\n(.*?)```")
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// extractJSONObject pulls a JSON object out of a model reply. A fenced
// ```json block wins; otherwise the first balanced {...} span is used.
// The result is cleaned of // comments and trailing commas. An empty
// string means no object was found.
func extractJSONObject(reply string) string {
	reply = strings.TrimSpace(reply)

	if m := fencedJSONPattern.FindStringSubmatch(reply); m != nil {
		if obj := balancedObject(m[1]); obj != "" {
			return cleanJSON(obj)
		}
	}
	if obj := balancedObject(reply); obj != "" {
		return cleanJSON(obj)
	}
	return ""
}

// balancedObject returns the first {...} span in s whose braces balance,
// ignoring braces inside string literals.
func balancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// cleanJSON strips // line comments outside string literals and trailing
// commas before a closing brace or bracket.
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingCommaPattern.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}
	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if !inString && c == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
