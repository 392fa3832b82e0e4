// Package argv models job argument vectors. An argv is an ordered list of
// tokens; each token is either a literal string passed through untouched or
// a {variable, subpath} pair produced client-side by matching the client's
// own path mappings. The Coordinator only ever extracts the set of variable
// names a job requires — it never joins a variable with a subpath into a
// filesystem path. Subpaths are opaque here: not validated, not normalized.
package argv

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
)

// Token kinds on the wire.
const (
	KindLiteral = "literal"
	KindVar     = "var"
)

// VariableName is the accepted form of a path-variable name.
var VariableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Token is one argv element. Exactly one shape is populated depending on
// Kind: literal tokens carry Value, var tokens carry Variable and Subpath.
type Token struct {
	Kind     string `json:"kind"`
	Value    string `json:"value,omitempty"`
	Variable string `json:"variable,omitempty"`
	Subpath  string `json:"subpath,omitempty"`
}

// Literal builds a literal token.
func Literal(value string) Token {
	return Token{Kind: KindLiteral, Value: value}
}

// Var builds a variable token.
func Var(variable, subpath string) Token {
	return Token{Kind: KindVar, Variable: variable, Subpath: subpath}
}

// Tokens is a full argv. It stores itself as a JSON text column.
type Tokens []Token

// Validate checks every token shape. It is the only argv validation the
// Coordinator performs: unknown kinds and malformed variable names are
// rejected; literal contents and subpaths are opaque.
func (ts Tokens) Validate() error {
	if len(ts) == 0 {
		return errors.New("argv: empty argument vector")
	}
	for i, tok := range ts {
		switch tok.Kind {
		case KindLiteral:
			if tok.Variable != "" || tok.Subpath != "" {
				return fmt.Errorf("argv: token %d: literal carries variable fields", i)
			}
		case KindVar:
			if !VariableName.MatchString(tok.Variable) {
				return fmt.Errorf("argv: token %d: invalid variable name %q", i, tok.Variable)
			}
			if tok.Value != "" {
				return fmt.Errorf("argv: token %d: var carries a literal value", i)
			}
		default:
			return fmt.Errorf("argv: token %d: unknown kind %q", i, tok.Kind)
		}
	}
	return nil
}

// RequiredVariables returns the sorted set of variable names referenced by
// the argv. A worker is eligible for the job only if it advertises every
// name in this set.
func (ts Tokens) RequiredVariables() []string {
	seen := make(map[string]struct{})
	for _, tok := range ts {
		if tok.Kind == KindVar && tok.Variable != "" {
			seen[tok.Variable] = struct{}{}
		}
	}
	vars := make([]string, 0, len(seen))
	for v := range seen {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}

// Value implements driver.Valuer: the argv is persisted as JSON text.
func (ts Tokens) Value() (driver.Value, error) {
	if ts == nil {
		return "[]", nil
	}
	data, err := json.Marshal(ts)
	if err != nil {
		return nil, fmt.Errorf("argv: marshal: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (ts *Tokens) Scan(value interface{}) error {
	if value == nil {
		*ts = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("argv: Scan: expected string or []byte, got %T", value)
	}
	if len(data) == 0 {
		*ts = nil
		return nil
	}
	if err := json.Unmarshal(data, ts); err != nil {
		return fmt.Errorf("argv: unmarshal: %w", err)
	}
	return nil
}
