package util

import (
	"fmt"
	"regexp"
	"strings"
)

var varPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// RenderTemplate substitutes {var} placeholders from vars. Any placeholder left
// unresolved is a hard error; callers validate at campaign materialization, not
// at send time.
func RenderTemplate(body string, vars map[string]string) (string, error) {
	out := body
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	if m := varPattern.FindStringSubmatch(out); m != nil {
		return "", fmt.Errorf("unresolved template variable {%s}", m[1])
	}
	return out, nil
}
