// Package config loads tributary.yaml and applies environment overrides.
package config

import (
	"fmt"
	"os"
	"regexp"

	"go.uber.org/multierr"
)

// envRef matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([-?])([^}]*))?\}`)

// ExpandEnv replaces environment references in input. A variable that is
// unset or empty expands to its default, or to "" when it has none.
// ${VAR:?message} marks the variable required; every missing one is
// reported in the returned error.
func ExpandEnv(input string) (string, error) {
	var errs error
	out := envRef.ReplaceAllStringFunc(input, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		name, op, arg := m[1], m[2], m[3]
		if v := os.Getenv(name); v != "" {
			return v
		}
		switch op {
		case "-":
			return arg
		case "?":
			if arg == "" {
				arg = "required"
			}
			errs = multierr.Append(errs, fmt.Errorf("${%s}: %s", name, arg))
		}
		return ""
	})
	return out, errs
}
