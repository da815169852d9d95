package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// NormalizeText is the deterministic transform applied to raw entity text:
// lowercase, trimmed, internal whitespace collapsed to single spaces.
func NormalizeText(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(raw)), " ")
}

// StringSet is a sorted set of strings stored as a JSON array in a TEXT
// column (aliases, document_ids).
type StringSet []string

// NewStringSet returns the sorted, deduplicated set of the non-empty values.
func NewStringSet(values ...string) StringSet {
	seen := make(map[string]bool, len(values))
	out := make(StringSet, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether v is in the set.
func (s StringSet) Contains(v string) bool {
	i := sort.SearchStrings(s, v)
	return i < len(s) && s[i] == v
}

// Union returns a new set holding the members of s and values.
func (s StringSet) Union(values ...string) StringSet {
	return NewStringSet(append(append([]string{}, s...), values...)...)
}

// Without returns a new set with v removed.
func (s StringSet) Without(v string) StringSet {
	out := make(StringSet, 0, len(s))
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// Value implements driver.Valuer.
func (s StringSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(NewStringSet(s...)))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner. The column must hold a JSON array of
// strings; anything else is rejected rather than coerced.
func (s *StringSet) Scan(src any) error {
	raw, err := textOf(src)
	if err != nil {
		return fmt.Errorf("scanning string set: %w", err)
	}
	if raw == "" {
		*s = StringSet{}
		return nil
	}
	var items []any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return fmt.Errorf("scanning string set: not a JSON array: %w", err)
	}
	values := make([]string, 0, len(items))
	for i, item := range items {
		str, ok := item.(string)
		if !ok {
			return fmt.Errorf("scanning string set: element %d is %T, want string", i, item)
		}
		values = append(values, str)
	}
	*s = NewStringSet(values...)
	return nil
}

// DocumentEvidence counts evidence units per document ID, stored as a JSON
// object in a TEXT column.
type DocumentEvidence map[string]int

// Total returns the summed units.
func (d DocumentEvidence) Total() int {
	n := 0
	for _, v := range d {
		n += v
	}
	return n
}

// Merge returns a new map with the units of other added.
func (d DocumentEvidence) Merge(other DocumentEvidence) DocumentEvidence {
	out := make(DocumentEvidence, len(d)+len(other))
	for k, v := range d {
		out[k] = v
	}
	for k, v := range other {
		out[k] += v
	}
	return out
}

// Value implements driver.Valuer.
func (d DocumentEvidence) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]int(d))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (d *DocumentEvidence) Scan(src any) error {
	raw, err := textOf(src)
	if err != nil {
		return fmt.Errorf("scanning document evidence: %w", err)
	}
	out := DocumentEvidence{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return fmt.Errorf("scanning document evidence: %w", err)
		}
	}
	*d = out
	return nil
}

// Metadata is a free-form JSON object stored in a TEXT column.
type Metadata map[string]any

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner. The column must hold a JSON object.
func (m *Metadata) Scan(src any) error {
	raw, err := textOf(src)
	if err != nil {
		return fmt.Errorf("scanning metadata: %w", err)
	}
	if raw == "" {
		*m = Metadata{}
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return fmt.Errorf("scanning metadata: not a JSON object: %w", err)
	}
	if obj == nil {
		obj = map[string]any{}
	}
	*m = obj
	return nil
}

func textOf(src any) (string, error) {
	switch v := src.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("unsupported column type %T", src)
	}
}
