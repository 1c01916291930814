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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btps-protocol/btps"
	"github.com/btps-protocol/btps/lib/defaults"
)

func TestGenerateAuthToken(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := GenerateAuthToken(0, "")
		require.NoError(t, err)
		assert.Len(t, token, defaults.AuthTokenLength)
		for _, r := range token {
			assert.Contains(t, defaults.AuthTokenAlphabet, string(r))
		}
		assert.False(t, seen[token], "token %q repeated", token)
		seen[token] = true
	}

	token, err := GenerateAuthToken(4, "AB")
	require.NoError(t, err)
	assert.Len(t, token, 4)
	assert.Equal(t, "", strings.Trim(token, "AB"))
}

func TestGenerateRefreshToken(t *testing.T) {
	t.Parallel()

	a, err := GenerateRefreshToken()
	require.NoError(t, err)
	b, err := GenerateRefreshToken()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	// 32 bytes of entropy in unpadded base64url.
	assert.Len(t, a, 43)
	assert.NotContains(t, a, "=")
}

func TestNewAgentID(t *testing.T) {
	t.Parallel()

	id := NewAgentID()
	assert.True(t, strings.HasPrefix(id, btps.AgentIDPrefix))
	assert.NotEqual(t, id, NewAgentID())
}
