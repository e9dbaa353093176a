// Copyright 2025 The SBN Software authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/SBNSoftware/run-record-archiver/internal/apperr"
)

const (
	maxEnvPasses   = 10
	maxParamPasses = 5
)

// paramRef matches ${section.param} / ${param} references (lowercase names),
// with an optional :-default.
var paramRef = regexp.MustCompile(`\$\{([a-z_][a-z0-9_]*(?:\.[a-z_][a-z0-9_]*)*)(:-([^}]*))?\}`)

// Expand applies both expansion phases to the raw config tree: environment
// variables first, then parameter references. Returns a ConfigError on a
// reference cycle.
func Expand(raw map[string]any) (map[string]any, error) {
	out := expandEnvAny(raw).(map[string]any)
	return expandParamRefs(out)
}

func expandEnvAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = expandEnvAny(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = expandEnvAny(val)
		}
		return out
	case string:
		return expandEnvString(t)
	default:
		return v
	}
}

// expandEnvString substitutes ${VAR} and ${VAR:-default} (uppercase names).
// Defaults may themselves contain ${...} references, so matching braces are
// tracked rather than regex-matched, and passes repeat until a fixed point.
func expandEnvString(value string) string {
	for pass := 0; pass < maxEnvPasses; pass++ {
		changed := false
		var b strings.Builder
		i := 0
		for i < len(value) {
			if !strings.HasPrefix(value[i:], "${") {
				b.WriteByte(value[i])
				i++
				continue
			}
			end := matchingBrace(value, i+1)
			if end < 0 {
				b.WriteByte(value[i])
				i++
				continue
			}
			content := value[i+2 : end]
			if content == "" || content[0] < 'A' || content[0] > 'Z' {
				// Not an environment reference; leave it for the
				// parameter-reference phase.
				b.WriteString(value[i : end+1])
				i = end + 1
				continue
			}
			name, def, hasDef := strings.Cut(content, ":-")
			if hasDef && strings.Contains(def, "${") {
				def = expandEnvString(def)
			}
			if env, ok := os.LookupEnv(name); ok {
				b.WriteString(env)
			} else if hasDef {
				b.WriteString(def)
			}
			i = end + 1
			changed = true
		}
		value = b.String()
		if !changed {
			break
		}
	}
	return value
}

// matchingBrace returns the index of the '}' closing the '{' at open,
// skipping nested ${...}, or -1.
func matchingBrace(s string, open int) int {
	count := 1
	i := open + 1
	for i < len(s) && count > 0 {
		switch {
		case strings.HasPrefix(s[i:], "${"):
			count++
			i += 2
		case s[i] == '}':
			count--
			i++
		default:
			i++
		}
	}
	if count == 0 {
		return i - 1
	}
	return -1
}

// expandParamRefs resolves ${section.param} references against the flattened
// scalar parameters, repeating until a fixed point. Unqualified references
// resolve only within the referencing section.
func expandParamRefs(raw map[string]any) (map[string]any, error) {
	result := raw
	for pass := 0; pass < maxParamPasses; pass++ {
		flat := flatten(result)
		changed := false
		out := make(map[string]any, len(result))
		for section, data := range result {
			sub, ok := data.(map[string]any)
			if !ok {
				out[section] = data
				continue
			}
			newSub := make(map[string]any, len(sub))
			for k, v := range sub {
				nv, c, err := expandParamAny(v, section, flat)
				if err != nil {
					return nil, err
				}
				changed = changed || c
				newSub[k] = nv
			}
			out[section] = newSub
		}
		result = out
		if !changed {
			break
		}
	}
	return result, nil
}

func expandParamAny(v any, section string, flat map[string]any) (any, bool, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		changed := false
		for k, val := range t {
			nv, c, err := expandParamAny(val, section, flat)
			if err != nil {
				return nil, false, err
			}
			changed = changed || c
			out[k] = nv
		}
		return out, changed, nil
	case []any:
		out := make([]any, len(t))
		changed := false
		for i, val := range t {
			nv, c, err := expandParamAny(val, section, flat)
			if err != nil {
				return nil, false, err
			}
			changed = changed || c
			out[i] = nv
		}
		return out, changed, nil
	case string:
		nv, err := expandParamString(t, section, flat, map[string]bool{})
		if err != nil {
			return nil, false, err
		}
		return nv, nv != t, nil
	default:
		return v, false, nil
	}
}

func expandParamString(value, section string, flat map[string]any, expanding map[string]bool) (string, error) {
	var expandErr error
	out := paramRef.ReplaceAllStringFunc(value, func(m string) string {
		if expandErr != nil {
			return m
		}
		groups := paramRef.FindStringSubmatch(m)
		ref := groups[1]
		def := groups[3]
		hasDef := groups[2] != ""
		full := ref
		if !strings.Contains(ref, ".") {
			full = section + "." + ref
		}
		if expanding[full] {
			expandErr = apperr.Configf("circular reference detected: %s", full)
			return m
		}
		refVal, ok := flat[full]
		if !ok {
			if hasDef {
				return def
			}
			return m
		}
		s := fmt.Sprintf("%v", refVal)
		if strings.Contains(s, "${") {
			expanding[full] = true
			refSection, _, _ := strings.Cut(full, ".")
			nested, err := expandParamString(s, refSection, flat, expanding)
			delete(expanding, full)
			if err != nil {
				expandErr = err
				return m
			}
			s = nested
		}
		return s
	})
	return out, expandErr
}

// flatten maps section.param to its scalar value for every two-level entry.
func flatten(raw map[string]any) map[string]any {
	flat := map[string]any{}
	for section, data := range raw {
		sub, ok := data.(map[string]any)
		if !ok {
			continue
		}
		for k, v := range sub {
			switch v.(type) {
			case map[string]any, []any:
			default:
				flat[section+"."+k] = v
			}
		}
	}
	return flat
}
