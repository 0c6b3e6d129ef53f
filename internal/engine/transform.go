package engine

import (
	"encoding/base64"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Transform post-processes a captured value.
type Transform func(string) (string, error)

var transforms = map[string]Transform{
	"trim":  func(s string) (string, error) { return strings.TrimSpace(s), nil },
	"upper": func(s string) (string, error) { return strings.ToUpper(s), nil },
	"lower": func(s string) (string, error) { return strings.ToLower(s), nil },
	"int": func(s string) (string, error) {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return "", fmt.Errorf("int: %q is not a number", s)
		}
		return strconv.FormatInt(int64(f), 10), nil
	},
	"urlencode": func(s string) (string, error) { return url.QueryEscape(s), nil },
	"base64": func(s string) (string, error) {
		return base64.StdEncoding.EncodeToString([]byte(s)), nil
	},
}

// LookupTransform resolves a named capture transform. An empty name yields
// a nil transform.
func LookupTransform(name string) (Transform, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, nil
	}
	t, ok := transforms[name]
	if !ok {
		return nil, fmt.Errorf("unknown transform %q (known: %s)", name, strings.Join(TransformNames(), ", "))
	}
	return t, nil
}

// TransformNames lists the supported transforms.
func TransformNames() []string {
	names := make([]string, 0, len(transforms))
	for name := range transforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
