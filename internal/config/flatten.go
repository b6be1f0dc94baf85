package config

import (
	"fmt"
	"sort"
	"strings"
)

// secretFields are leaf names whose values are credentials.
var secretFields = map[string]bool{
	"api_key":  true,
	"token":    true,
	"password": true,
	"secret":   true,
}

// IsSecretKey reports whether the last segment of a dot-separated key names
// a credential, e.g. llm.api_key.
func IsSecretKey(key string) bool {
	return secretFields[key[strings.LastIndex(key, ".")+1:]]
}

// MaskValue keeps only the last four characters of a secret string.
// Non-strings and empty strings pass through.
func MaskValue(v any) any {
	s, ok := v.(string)
	if !ok || s == "" {
		return v
	}
	r := []rune(s)
	if len(r) > 4 {
		r = r[len(r)-4:]
	}
	return "***" + string(r)
}

// MaskSecrets returns a copy of flat with every secret key masked.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		if IsSecretKey(k) {
			v = MaskValue(v)
		}
		out[k] = v
	}
	return out
}

// Flatten turns nested sections into dot-separated keys. Empty sections stay
// as leaves so that writing the result back does not drop them.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for k, v := range node {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if section, ok := v.(map[string]any); ok && len(section) > 0 {
				walk(key, section)
				continue
			}
			out[key] = v
		}
	}
	walk("", m)
	return out
}

// SortedKeys returns the keys of flat in lexical order.
func SortedKeys(flat map[string]any) []string {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LookupPath returns the value or section stored under a dot-separated key.
func LookupPath(m map[string]any, key string) (any, bool) {
	var node any = m
	for _, part := range strings.Split(key, ".") {
		section, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		if node, ok = section[part]; !ok {
			return nil, false
		}
	}
	return node, true
}

// SetPath stores v under a dot-separated key, creating missing sections.
// It refuses to replace a scalar with a section or a section with a scalar.
func SetPath(m map[string]any, key string, v any) error {
	parts := strings.Split(key, ".")
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("invalid config key %q", key)
		}
	}
	node := m
	for i, part := range parts[:len(parts)-1] {
		next, ok := node[part]
		if !ok {
			child := map[string]any{}
			node[part] = child
			node = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("config key %s: %s is not a section", key, strings.Join(parts[:i+1], "."))
		}
		node = child
	}
	leaf := parts[len(parts)-1]
	if existing, ok := node[leaf].(map[string]any); ok && len(existing) > 0 {
		if _, replacing := v.(map[string]any); !replacing {
			return fmt.Errorf("config key %s is a section", key)
		}
	}
	node[leaf] = v
	return nil
}
