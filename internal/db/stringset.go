package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

// StringSet is a set of strings persisted as a JSON array in a text column.
// Used for advertised binaries/variables, required variables, and CIDR
// allow-lists. Values are kept sorted so the stored form is stable.
type StringSet []string

// NewStringSet builds a deduplicated, sorted set.
func NewStringSet(values ...string) StringSet {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		seen[v] = struct{}{}
	}
	out := make(StringSet, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether v is in the set.
func (s StringSet) Contains(v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}

// ContainsAll reports whether every element of other is in the set.
func (s StringSet) ContainsAll(other []string) bool {
	for _, v := range other {
		if !s.Contains(v) {
			return false
		}
	}
	return true
}

// Value implements driver.Valuer.
func (s StringSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("db: stringset marshal: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (s *StringSet) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("db: StringSet.Scan: expected string or []byte, got %T", value)
	}
	if len(data) == 0 {
		*s = nil
		return nil
	}
	if err := json.Unmarshal(data, s); err != nil {
		return fmt.Errorf("db: stringset unmarshal: %w", err)
	}
	return nil
}
