// Package extractor locates values inside response bodies, either by JSON
// path or by regular expression. Engines use it to capture values into
// scenario variables and to evaluate match assertions.
package extractor

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrNoSelector is returned when a rule names neither a JSON path nor a regex.
var ErrNoSelector = errors.New("extractor: rule needs json or regex")

// Rule is a compiled selector. Exactly one of the JSON path or the regex
// is set.
type Rule struct {
	jsonPath string
	regex    *regexp.Regexp
}

// Compile validates a selector once so that a scenario step can reuse it
// for every response. jsonPath and regex are mutually exclusive.
func Compile(jsonPath, regex string) (*Rule, error) {
	switch {
	case jsonPath != "" && regex != "":
		return nil, fmt.Errorf("extractor: json %q and regex %q are mutually exclusive", jsonPath, regex)
	case jsonPath != "":
		return &Rule{jsonPath: normalizePath(jsonPath)}, nil
	case regex != "":
		re, err := regexp.Compile(regex)
		if err != nil {
			return nil, fmt.Errorf("extractor: invalid regex %q: %w", regex, err)
		}
		return &Rule{regex: re}, nil
	default:
		return nil, ErrNoSelector
	}
}

// Find applies the rule to body. The boolean reports whether the selector
// matched anything.
func (r *Rule) Find(body []byte) (string, bool) {
	if r.regex != nil {
		return findRegex(body, r.regex)
	}
	return findJSONPath(body, r.jsonPath)
}

// IsJSON reports whether the rule selects by JSON path.
func (r *Rule) IsJSON() bool {
	return r.regex == nil
}

func (r *Rule) String() string {
	if r.regex != nil {
		return "regex:" + r.regex.String()
	}
	return "json:" + r.jsonPath
}

// ExtractAll applies every rule in rules to body and returns the values
// keyed by variable name. Names whose rule did not match are returned in
// missing and bound to the empty string.
func ExtractAll(body []byte, rules map[string]*Rule) (values map[string]string, missing []string) {
	values = make(map[string]string, len(rules))
	for name, rule := range rules {
		value, ok := rule.Find(body)
		if !ok {
			missing = append(missing, name)
		}
		values[name] = value
	}
	return values, missing
}
