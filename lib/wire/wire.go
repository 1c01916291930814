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

// Package wire defines the BTPS wire contract: artifact shapes, envelope
// blocks, typed documents, the response format, and the closed protocol
// error taxonomy. Everything in this package is stable serialization
// surface; behavior lives in the packages that consume it.
package wire

import (
	"regexp"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/jonboulle/clockwork"

	"github.com/btps-protocol/btps"
)

// TimestampFormat is the canonical wire form of instants: UTC RFC 3339
// with millisecond precision and a literal Z offset.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// identityRe matches username$domain identities. The username is any run
// of non-whitespace, the domain any dotted non-whitespace run.
var identityRe = regexp.MustCompile(`^[^\s$]+\$[^\s$]+\.[^\s$]+$`)

// ValidIdentity reports whether s is a well-formed username$domain
// identity address.
func ValidIdentity(s string) bool {
	return identityRe.MatchString(s)
}

// FormatTime renders t in the canonical wire timestamp form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// Now renders the clock's current instant in the canonical wire form.
func Now(clock clockwork.Clock) string {
	return FormatTime(clock.Now())
}

// ParseTime parses a wire timestamp. Any RFC 3339 form is accepted on
// input; output always uses FormatTime.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, NewError(CodeValidation, "empty timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, NewError(CodeValidation, "invalid timestamp %q", s)
	}
	return t.UTC(), nil
}

// CheckProtocolVersion verifies that v is a well-formed protocol version
// compatible with this implementation. Compatibility is major-version
// equality.
func CheckProtocolVersion(v string) error {
	if v == "" {
		return NewError(CodeValidation, "missing protocol version")
	}
	remote, err := semver.NewVersion(v)
	if err != nil {
		return NewError(CodeValidation, "invalid protocol version %q", v)
	}
	local := semver.New(btps.ProtocolVersion)
	if remote.Major != local.Major {
		return NewError(CodeValidation, "unsupported protocol version %q, this server speaks %v.x", v, local.Major)
	}
	return nil
}
