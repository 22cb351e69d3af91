package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// envRef matches ${NAME} references inside string values. Bare $NAME is left
// alone so tokens containing '$' survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// normalize turns a JSON or YAML document into JSON bytes for the strict
// decoder, expanding ${NAME} references in string values from the
// environment. A reference to an unset variable is an error.
func normalize(name string, data []byte) ([]byte, error) {
	if !bytes.Contains(data, []byte("${")) && !isYAML(name) {
		return data, nil
	}

	var v any
	if isYAML(name) {
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		if dec.More() {
			return nil, errors.New("invalid config: trailing data")
		}
	}

	missing := map[string]struct{}{}
	v = rewrite(v, missing)
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("config references unset environment variables: %s", strings.Join(names, ", "))
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("config: re-encode: %w", err)
	}
	return out, nil
}

// rewrite stringifies YAML map keys and expands env references in place.
func rewrite(in any, missing map[string]struct{}) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = rewrite(v, missing)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = rewrite(v, missing)
		}
		return x
	case []any:
		for i := range x {
			x[i] = rewrite(x[i], missing)
		}
		return x
	case string:
		return envRef.ReplaceAllStringFunc(x, func(ref string) string {
			name := envRef.FindStringSubmatch(ref)[1]
			val, ok := os.LookupEnv(name)
			if !ok {
				missing[name] = struct{}{}
			}
			return val
		})
	default:
		return in
	}
}
