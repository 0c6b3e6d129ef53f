package engine

import (
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"

	"github.com/torosent/crankswarm/internal/variables"
)

var (
	placeholderRegex = regexp.MustCompile(`\{\{\s*([^{}|]+?)\s*(?:\|([^}]*))?\}\}`)
	funcCallRegex    = regexp.MustCompile(`^\$([A-Za-z0-9_]+)\(\s*(.*?)\s*\)$`)
)

const randomAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Render substitutes placeholders in template with:
//  1. a template function call such as {{ $randomNumber(1, 10) }}
//  2. the variable bound in vars
//  3. the default value of {{ key|default }}
//
// Placeholders that resolve to nothing are kept as-is.
func Render(template string, vars variables.Store) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return placeholderRegex.ReplaceAllStringFunc(template, func(match string) string {
		parts := placeholderRegex.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		key := parts[1]

		if call := funcCallRegex.FindStringSubmatch(key); call != nil {
			if val, ok := callFunc(call[1], call[2]); ok {
				return val
			}
			return match
		}

		if vars != nil {
			if val, ok := vars.Get(key); ok {
				return val
			}
		}

		if strings.Contains(match, "|") {
			return strings.TrimSpace(parts[2])
		}
		return match
	})
}

// RenderValue renders every string inside a decoded document, such as a
// JSON request body, leaving other scalars untouched.
func RenderValue(value any, vars variables.Store) any {
	switch v := value.(type) {
	case string:
		return Render(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[Render(key, vars)] = RenderValue(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = RenderValue(item, vars)
		}
		return out
	default:
		return value
	}
}

// RenderMap renders every value of a string map.
func RenderMap(values map[string]string, vars variables.Store) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		out[key] = Render(value, vars)
	}
	return out
}

func callFunc(name, rawArgs string) (string, bool) {
	args := splitArgs(rawArgs)
	switch name {
	case "randomNumber":
		if len(args) != 2 {
			return "", false
		}
		lo, err1 := strconv.Atoi(args[0])
		hi, err2 := strconv.Atoi(args[1])
		if err1 != nil || err2 != nil {
			return "", false
		}
		return strconv.Itoa(randomNumber(lo, hi)), true
	case "randomString":
		n := 10
		if len(args) == 1 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v < 0 {
				return "", false
			}
			n = v
		} else if len(args) > 1 {
			return "", false
		}
		return randomString(n), true
	default:
		return "", false
	}
}

func splitArgs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for i, p := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(p), `"'`)
	}
	return parts
}

// randomNumber returns an integer in [lo, hi].
func randomNumber(lo, hi int) int {
	if hi < lo {
		lo, hi = hi, lo
	}
	return lo + rand.IntN(hi-lo+1)
}

func randomString(n int) string {
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		sb.WriteByte(randomAlphabet[rand.IntN(len(randomAlphabet))])
	}
	return sb.String()
}
