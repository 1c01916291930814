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

// Package identity parses username$domain addresses and resolves their
// published DNS discovery records: the _btps host record that locates an
// identity's server, and selector-scoped _btp key records that publish
// signing keys. Resolution results are cached with TTL and concurrent
// lookups for the same name are collapsed.
package identity

import (
	"strings"

	"github.com/btps-protocol/btps"
	"github.com/btps-protocol/btps/lib/wire"
)

// Identity is a parsed username$domain address.
type Identity struct {
	username string
	domain   string
}

// Parse validates and splits a username$domain address.
func Parse(s string) (Identity, error) {
	if !wire.ValidIdentity(s) {
		return Identity{}, wire.NewError(wire.CodeIdentity, "%q is not a valid identity address", s)
	}
	user, domain, _ := strings.Cut(s, btps.IdentitySeparator)
	return Identity{username: user, domain: strings.ToLower(domain)}, nil
}

// Username returns the local part of the address.
func (i Identity) Username() string { return i.username }

// Domain returns the lowercased domain part of the address.
func (i Identity) Domain() string { return i.domain }

// String reassembles the address.
func (i Identity) String() string {
	return i.username + btps.IdentitySeparator + i.domain
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool {
	return i.username == "" && i.domain == ""
}

// HostRecordName returns the DNS name of the domain's host discovery
// record.
func (i Identity) HostRecordName() string {
	return btps.HostRecordLabel + "." + i.domain
}

// KeyRecordName returns the DNS name of the identity's key record for the
// given selector.
func (i Identity) KeyRecordName(selector string) string {
	return selector + "." + btps.KeyRecordLabel + "." + i.username + "." + i.domain
}
