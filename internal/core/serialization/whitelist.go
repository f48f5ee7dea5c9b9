package serialization

import (
	"strings"
)

const wildcardSuffix = ".*"

// Whitelist allows exactly the listed type names and the names under any
// "prefix.*" entry. It is immutable once built.
type Whitelist struct {
	exact    map[string]struct{}
	prefixes []string
}

var _ Gate = (*Whitelist)(nil)

func NewWhitelist(entries []string) *Whitelist {
	w := &Whitelist{exact: make(map[string]struct{}, len(entries))}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" || strings.HasPrefix(entry, commentPrefix) {
			continue
		}
		if strings.HasSuffix(entry, wildcardSuffix) {
			w.prefixes = append(w.prefixes, strings.TrimSuffix(entry, "*"))
			continue
		}
		w.exact[entry] = struct{}{}
	}
	return w
}

// LoadWhitelist reads entries from a local file. A missing file, an
// unreadable one, or a non-local source is a configuration error.
func LoadWhitelist(source string) (*Whitelist, error) {
	path, err := localPath(source)
	if err != nil {
		return nil, err
	}
	entries, err := readEntriesFile(path)
	if err != nil {
		return nil, err
	}
	return NewWhitelist(entries), nil
}

// CheckInput checks arrays by their innermost component. Primitive
// components are always allowed.
func (w *Whitelist) CheckInput(class *Class) Status {
	if class == nil {
		return Undecided
	}
	inner := class.Innermost()
	if inner.Primitive {
		return Allowed
	}
	return w.CheckName(inner.Name)
}

// CheckName classifies a plain type name, unwrapping "[]" array suffixes.
func (w *Whitelist) CheckName(name string) Status {
	name, _ = splitArray(name)
	if _, ok := w.exact[name]; ok {
		return Allowed
	}
	for _, prefix := range w.prefixes {
		if strings.HasPrefix(name, prefix) {
			return Allowed
		}
	}
	return Rejected
}

// Size is the number of entries, wildcards included.
func (w *Whitelist) Size() int {
	return len(w.exact) + len(w.prefixes)
}
