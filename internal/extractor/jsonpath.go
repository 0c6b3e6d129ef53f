package extractor

import (
	"github.com/tidwall/gjson"
)

// normalizePath accepts both $.field and field syntax. A bare "$" selects the
// whole document.
func normalizePath(path string) string {
	if len(path) > 0 && path[0] == '$' {
		if len(path) > 1 && path[1] == '.' {
			return path[2:]
		} else if len(path) == 1 {
			return "@this"
		}
	}
	return path
}

func findJSONPath(body []byte, path string) (string, bool) {
	if !gjson.ValidBytes(body) {
		return "", false
	}
	result := gjson.GetBytes(body, path)
	if !result.Exists() {
		return "", false
	}
	return result.String(), true
}
