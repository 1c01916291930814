/*
 * BTPS
 * Copyright (C) 2025  BTPS Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package canonicaljson produces the deterministic JSON form that BTPS
// signatures and digests are computed over. The encoding matches what
// JSON.stringify emits after key sorting: object keys bytewise sorted at
// every depth, no insignificant whitespace, minimal string escaping with
// non-ASCII text kept raw, and numbers in ECMAScript shortest round-trip
// notation. Two peers that canonicalize the same value must produce the
// same bytes regardless of implementation language.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/gravitational/trace"
)

// Marshal encodes v into canonical JSON. v is first serialized through
// encoding/json, so struct tags apply, then re-encoded canonically.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out, err := Canonicalize(raw)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// Canonicalize rewrites any valid JSON document into its canonical form.
// The transform is idempotent.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, trace.BadParameter("canonicalize: invalid JSON: %v", err)
	}
	// A second token means trailing garbage after the document.
	if dec.More() {
		return nil, trace.BadParameter("canonicalize: trailing data after JSON document")
	}
	buf, err := appendValue(make([]byte, 0, len(raw)), v)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return buf, nil
}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if x {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case string:
		return appendString(buf, x), nil
	case json.Number:
		return appendNumber(buf, x)
	case []any:
		buf = append(buf, '[')
		for i, elem := range x {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendValue(buf, elem)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendString(buf, k)
			buf = append(buf, ':')
			var err error
			buf, err = appendValue(buf, x[k])
			if err != nil {
				return nil, err
			}
		}
		return append(buf, '}'), nil
	}
	return nil, trace.BadParameter("canonicalize: unsupported value type %T", v)
}

const hexDigits = "0123456789abcdef"

// appendString quotes s the way JSON.stringify does: only the quote,
// backslash, and control characters are escaped, everything else including
// non-ASCII text is emitted raw.
func appendString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			buf = append(buf, '\\', '"')
		case c == '\\':
			buf = append(buf, '\\', '\\')
		case c >= 0x20:
			buf = append(buf, c)
		case c == '\b':
			buf = append(buf, '\\', 'b')
		case c == '\f':
			buf = append(buf, '\\', 'f')
		case c == '\n':
			buf = append(buf, '\\', 'n')
		case c == '\r':
			buf = append(buf, '\\', 'r')
		case c == '\t':
			buf = append(buf, '\\', 't')
		default:
			buf = append(buf, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
		}
	}
	return append(buf, '"')
}

func appendNumber(buf []byte, n json.Number) ([]byte, error) {
	f, err := n.Float64()
	if err != nil {
		return nil, trace.BadParameter("canonicalize: invalid number %q: %v", n, err)
	}
	out, err := formatNumber(f)
	if err != nil {
		return nil, err
	}
	return append(buf, out...), nil
}
