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

package envelope

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/btps-protocol/btps"
	"github.com/btps-protocol/btps/lib/defaults"
)

// GenerateAuthToken mints a short one-time token from the given alphabet,
// suitable for a user to read off one device and type into another.
// Rejection sampling keeps the draw uniform across the alphabet.
func GenerateAuthToken(length int, alphabet string) (string, error) {
	if length <= 0 {
		length = defaults.AuthTokenLength
	}
	if alphabet == "" {
		alphabet = defaults.AuthTokenAlphabet
	}
	if len(alphabet) > 256 {
		return "", trace.BadParameter("alphabet has more than 256 symbols")
	}
	// Largest multiple of len(alphabet) that fits in a byte; bytes at or
	// above it are redrawn to avoid modulo bias.
	ceiling := byte(256 - 256%len(alphabet))
	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", trace.Wrap(err)
		}
		for _, b := range buf {
			if ceiling != 0 && b >= ceiling {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// GenerateRefreshToken mints an opaque high-entropy session token.
func GenerateRefreshToken() (string, error) {
	buf := make([]byte, defaults.RefreshTokenSize)
	if _, err := rand.Read(buf); err != nil {
		return "", trace.Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewAgentID mints a device agent identifier.
func NewAgentID() string {
	return btps.AgentIDPrefix + uuid.NewString()
}
