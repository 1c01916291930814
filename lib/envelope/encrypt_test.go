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

	"github.com/btps-protocol/btps/lib/wire"
)

func TestEncryptDecryptDocument(t *testing.T) {
	t.Parallel()

	recipient := newRSAKey(t)
	doc := []byte(`{"title":"invoice","totalAmount":{"value":1250.5,"currency":"USD"}}`)

	for _, alg := range []wire.EncryptionAlgorithm{wire.EncryptionAES256GCM, wire.EncryptionAES256CBC} {
		alg := alg
		t.Run(string(alg), func(t *testing.T) {
			t.Parallel()
			payload, enc, err := EncryptDocument(recipient.Public(), doc, alg, wire.ModeStandardEncrypt)
			require.NoError(t, err)
			require.NoError(t, enc.Check())
			assert.Equal(t, alg, enc.Algorithm)
			assert.NotContains(t, payload, "invoice")

			got, err := DecryptDocument(recipient, payload, enc)
			require.NoError(t, err)
			assert.Equal(t, doc, got)
		})
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	t.Parallel()

	recipient := newRSAKey(t)
	eavesdropper := newRSAKey(t)
	doc := []byte(`{"secret":true}`)

	payload, enc, err := EncryptDocument(recipient.Public(), doc, wire.EncryptionAES256GCM, wire.ModeStandardEncrypt)
	require.NoError(t, err)

	_, err = DecryptDocument(eavesdropper, payload, enc)
	assert.Equal(t, wire.CodeDecryptionUnintended, wire.CodeOf(err))
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	t.Parallel()

	recipient := newRSAKey(t)
	payload, enc, err := EncryptDocument(recipient.Public(), []byte(`{"amount":1}`), wire.EncryptionAES256GCM, wire.ModeStandardEncrypt)
	require.NoError(t, err)

	// Flip a character of the base64 payload.
	flipped := []byte(payload)
	if flipped[0] == 'A' {
		flipped[0] = 'B'
	} else {
		flipped[0] = 'A'
	}
	_, err = DecryptDocument(recipient, string(flipped), enc)
	assert.Equal(t, wire.CodeDecryptionUnintended, wire.CodeOf(err))
}

func TestEncryptUnsupported(t *testing.T) {
	t.Parallel()

	recipient := newRSAKey(t)
	_, _, err := EncryptDocument(recipient.Public(), []byte(`{}`), "rot13", wire.ModeStandardEncrypt)
	assert.Equal(t, wire.CodeUnsupportedEncrypt, wire.CodeOf(err))

	_, _, err = EncryptDocument(recipient.Public(), []byte(`{}`), wire.EncryptionAES256GCM, "tripleEncrypt")
	assert.Equal(t, wire.CodeUnsupportedEncrypt, wire.CodeOf(err))
}

func TestPKCS7Padding(t *testing.T) {
	t.Parallel()

	for size := 0; size < 33; size++ {
		data := []byte(strings.Repeat("x", size))
		padded := padPKCS7(data, 16)
		assert.Zero(t, len(padded)%16)
		got, err := unpadPKCS7(padded, 16)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}

	_, err := unpadPKCS7([]byte{}, 16)
	assert.Error(t, err)
	_, err = unpadPKCS7([]byte(strings.Repeat("x", 15)+"\x00"), 16)
	assert.Error(t, err)
}
