package plugin

import (
	"fmt"
	"strings"
)

// Args is a parsed connector/OS argument string: an optional leading
// positional value plus an ordered set of key=value options (spec
// §4.8). Ordering is preserved so "last option wins" semantics, if a
// backend wants them, are easy to implement on top.
type Args struct {
	Positional string
	HasPositional bool
	Options    []KV
}

type KV struct {
	Key   string
	Value string
}

// Get returns the value of the last occurrence of key, if present.
func (a Args) Get(key string) (string, bool) {
	val, ok := "", false
	for _, kv := range a.Options {
		if kv.Key == key {
			val, ok = kv.Value, true
		}
	}
	return val, ok
}

// ParseArgs parses a comma-separated "key=value" list with an optional
// leading positional, honoring '"' and '\'' quoting: a quote opens a
// literal region where commas and equals signs are not delimiters, and
// backslash escapes the next character while inside a quoted region
// (spec §4.8). This grammar is specific enough (asymmetric quote/escape
// handling, a bare leading positional) that no library in the pack
// implements it; see DESIGN.md for why it is hand-rolled against the
// standard library.
//
// The comma-level split already consumes every quote/escape character,
// so a field it returns is fully literal text with no further quoting
// context — splitting it on '=' is a plain index, not a second pass of
// the quote-aware state machine (a quote character surviving an escape
// sequence inside the value must not be re-interpreted as a fresh
// quote-open).
func ParseArgs(s string) (Args, error) {
	fields, _, err := splitTopLevel(s, ',')
	if err != nil {
		return Args{}, err
	}

	var out Args
	for i, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		eq := strings.IndexByte(field, '=')
		if i == 0 && eq < 0 {
			out.Positional = field
			out.HasPositional = true
			continue
		}
		if eq < 0 {
			return Args{}, fmt.Errorf("plugin: option %q missing '='", field)
		}
		out.Options = append(out.Options, KV{Key: field[:eq], Value: field[eq+1:]})
	}
	return out, nil
}

// splitTopLevel splits s on sep, treating sep occurrences inside a
// quoted region as literal. The second return reports whether sep was
// found at least once outside quotes.
func splitTopLevel(s string, sep byte) ([]string, bool, error) {
	var fields []string
	var cur strings.Builder
	var quote byte
	escaped := false
	found := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case quote != 0:
			if c == '\\' {
				escaped = true
				continue
			}
			if c == quote {
				quote = 0
				continue
			}
			cur.WriteByte(c)
		case c == '"' || c == '\'':
			quote = c
		case c == sep:
			found = true
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if quote != 0 {
		return nil, false, fmt.Errorf("plugin: unterminated quote in %q", s)
	}
	fields = append(fields, cur.String())
	return fields, found, nil
}
