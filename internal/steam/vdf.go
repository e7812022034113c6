package steam

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/andygrunwald/vdf"
)

type node = map[string]interface{}

func parseFile(path string) (node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := vdf.NewParser(f).Parse()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// child returns the object under key, falling back to a case-insensitive
// match since Steam is inconsistent about "Valve" versus "valve".
func child(n node, key string) (node, bool) {
	if v, ok := n[key].(node); ok {
		return v, true
	}
	for k, v := range n {
		if strings.EqualFold(k, key) {
			if obj, ok := v.(node); ok {
				return obj, true
			}
		}
	}
	return nil, false
}

// lookup walks nested objects.
func lookup(n node, keys ...string) (node, error) {
	cur := n
	for _, k := range keys {
		next, ok := child(cur, k)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingEntry, strings.Join(keys, "."))
		}
		cur = next
	}
	return cur, nil
}

func str(n node, key string) (string, bool) {
	s, ok := n[key].(string)
	return s, ok
}

// first returns the lexically smallest key's object; VDF documents that wrap
// a single keyed block are read this way.
func first(n node) (string, node, bool) {
	keys := make([]string, 0, len(n))
	for k, v := range n {
		if _, ok := v.(node); ok {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "", nil, false
	}
	sort.Strings(keys)
	return keys[0], n[keys[0]].(node), true
}

// quote escapes a value for a KeyValues text document.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
