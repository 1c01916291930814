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

package canonicaljson

import (
	"bytes"
	"math"
	"strconv"

	"github.com/gravitational/trace"
)

// formatNumber renders f in ECMAScript Number::toString notation so that
// numbers canonicalize to the same bytes JSON.stringify would produce.
// Fixed notation covers decimal exponents in (-7, 21]; everything outside
// uses scientific notation with an unpadded, always signed exponent.
func formatNumber(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", trace.BadParameter("canonicalize: %v is not representable in JSON", f)
	}
	if f == 0 {
		return "0", nil
	}
	neg := f < 0
	if neg {
		f = -f
	}

	// Shortest round-trip digits and decimal exponent. The shortest digit
	// string for a float64 is unique, so this matches the ECMAScript
	// algorithm's digit selection.
	sci := strconv.AppendFloat(nil, f, 'e', -1, 64)
	eIdx := bytes.IndexByte(sci, 'e')
	exp, err := strconv.Atoi(string(sci[eIdx+1:]))
	if err != nil {
		return "", trace.Wrap(err)
	}
	digits := make([]byte, 0, eIdx)
	for _, c := range sci[:eIdx] {
		if c != '.' {
			digits = append(digits, c)
		}
	}

	k := len(digits)
	n := exp + 1

	out := make([]byte, 0, k+8)
	if neg {
		out = append(out, '-')
	}
	switch {
	case k <= n && n <= 21:
		out = append(out, digits...)
		for i := k; i < n; i++ {
			out = append(out, '0')
		}
	case 0 < n && n <= 21:
		out = append(out, digits[:n]...)
		out = append(out, '.')
		out = append(out, digits[n:]...)
	case -6 < n && n <= 0:
		out = append(out, '0', '.')
		for i := 0; i < -n; i++ {
			out = append(out, '0')
		}
		out = append(out, digits...)
	default:
		out = append(out, digits[0])
		if k > 1 {
			out = append(out, '.')
			out = append(out, digits[1:]...)
		}
		out = append(out, 'e')
		e := n - 1
		if e >= 0 {
			out = append(out, '+')
		} else {
			out = append(out, '-')
			e = -e
		}
		out = strconv.AppendInt(out, int64(e), 10)
	}
	return string(out), nil
}
