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
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btps-protocol/btps/lib/wire"
)

func newRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	rsaKey := newRSAKey(t)
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	keys := map[string]crypto.Signer{
		"rsa":     rsaKey,
		"ed25519": edKey,
		"ecdsa":   ecKey,
	}

	artifact := []byte(`{
		"id": "a1",
		"from": "billing$vendor.example",
		"to": "pay$customer.example",
		"amount": 1250.50,
		"signature": null
	}`)

	for name, signer := range keys {
		signer := signer
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			sig, err := Sign(signer, json.RawMessage(artifact))
			require.NoError(t, err)
			require.NoError(t, sig.Check())
			assert.Equal(t, wire.HashSHA256, sig.AlgorithmHash)

			require.NoError(t, Verify(signer.Public(), json.RawMessage(artifact), sig))

			// Key order and whitespace must not affect verification.
			var m map[string]any
			require.NoError(t, json.Unmarshal(artifact, &m))
			reordered, err := json.Marshal(m)
			require.NoError(t, err)
			require.NoError(t, Verify(signer.Public(), json.RawMessage(reordered), sig))
		})
	}
}

func TestVerifyFailures(t *testing.T) {
	t.Parallel()

	key := newRSAKey(t)
	other := newRSAKey(t)
	artifact := json.RawMessage(`{"id": "a1", "v": 1, "signature": null}`)

	sig, err := Sign(key, artifact)
	require.NoError(t, err)

	t.Run("wrong key reports mismatch before verification", func(t *testing.T) {
		t.Parallel()
		err := Verify(other.Public(), artifact, sig)
		assert.Equal(t, wire.CodeSigMismatch, wire.CodeOf(err))
	})

	t.Run("tampered payload", func(t *testing.T) {
		t.Parallel()
		err := Verify(key.Public(), json.RawMessage(`{"id": "a1", "v": 2, "signature": null}`), sig)
		assert.Equal(t, wire.CodeSigVerification, wire.CodeOf(err))
	})

	t.Run("tampered signature value", func(t *testing.T) {
		t.Parallel()
		bad := *sig
		bad.Value = "QUFBQQ=="
		err := Verify(key.Public(), artifact, &bad)
		assert.Equal(t, wire.CodeSigVerification, wire.CodeOf(err))
	})

	t.Run("forged fingerprint still fails", func(t *testing.T) {
		t.Parallel()
		// An attacker can copy the real fingerprint but cannot produce
		// a matching signature.
		forged, err := Sign(other, artifact)
		require.NoError(t, err)
		forged.Fingerprint = sig.Fingerprint
		verr := Verify(key.Public(), artifact, forged)
		assert.Equal(t, wire.CodeSigVerification, wire.CodeOf(verr))
	})
}

func TestSigningBytesPreservesUnknownFields(t *testing.T) {
	t.Parallel()

	key := newRSAKey(t)
	raw := json.RawMessage(`{"id": "a1", "futureField": {"x": 1}, "signature": null}`)
	sig, err := Sign(key, raw)
	require.NoError(t, err)

	// Dropping the unknown field breaks the signature: it was covered.
	err = Verify(key.Public(), json.RawMessage(`{"id": "a1", "signature": null}`), sig)
	assert.Equal(t, wire.CodeSigVerification, wire.CodeOf(err))
	require.NoError(t, Verify(key.Public(), raw, sig))
}

func TestDelegationSigning(t *testing.T) {
	t.Parallel()

	identityKey := newRSAKey(t)
	attestorKey := newRSAKey(t)
	agentKey := newRSAKey(t)

	agentPub, err := EncodePublicKeyBase64(agentKey.Public())
	require.NoError(t, err)

	d := &wire.Delegation{
		AgentID:     "btps_ag_device-1",
		AgentPubKey: agentPub,
		SignedBy:    "pay$customer.example",
		IssuedAt:    "2026-03-01T10:00:00.000Z",
		Selector:    "btps1",
	}

	// Attestation covers the binding without either signature.
	attBytes, err := AttestationSigningBytes(d)
	require.NoError(t, err)
	attSig, err := SignPayload(attestorKey, attBytes)
	require.NoError(t, err)
	d.Attestation = &wire.Attestation{Signature: *attSig, SignedBy: "hr$employer.example", Selector: "btps1"}

	// The delegator signs only the binding, so attaching the attestation
	// afterwards does not disturb the delegation signature.
	delBytes, err := DelegationSigningBytes(d)
	require.NoError(t, err)
	delSig, err := SignPayload(identityKey, delBytes)
	require.NoError(t, err)
	d.Signature = delSig

	// Verification replays both payloads.
	replayDel, err := DelegationSigningBytes(d)
	require.NoError(t, err)
	require.NoError(t, VerifyPayload(identityKey.Public(), replayDel, d.Signature))

	replayAtt, err := AttestationSigningBytes(d)
	require.NoError(t, err)
	require.NoError(t, VerifyPayload(attestorKey.Public(), replayAtt, &d.Attestation.Signature))

	// A swapped agent key invalidates the delegation signature.
	d.AgentPubKey = agentPub[1:] + "A"
	replayDel, err = DelegationSigningBytes(d)
	require.NoError(t, err)
	err = VerifyPayload(identityKey.Public(), replayDel, d.Signature)
	assert.Equal(t, wire.CodeSigVerification, wire.CodeOf(err))
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	key := newRSAKey(t)
	fp1, err := Fingerprint(key.Public())
	require.NoError(t, err)
	require.NotEmpty(t, fp1)

	// Base64 and PEM forms of the same key fingerprint identically.
	b64, err := EncodePublicKeyBase64(key.Public())
	require.NoError(t, err)
	fromB64, err := FingerprintKey(b64)
	require.NoError(t, err)
	assert.Equal(t, fp1, fromB64)

	pemBytes, err := EncodePublicKeyPEM(key.Public())
	require.NoError(t, err)
	fromPEM, err := FingerprintKey(string(pemBytes))
	require.NoError(t, err)
	assert.Equal(t, fp1, fromPEM)

	// A different key has a different fingerprint.
	fp2, err := Fingerprint(newRSAKey(t).Public())
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp2)
}

func TestKeyEncodingRoundTrip(t *testing.T) {
	t.Parallel()

	key := newRSAKey(t)
	pemBytes, err := EncodePrivateKeyPEM(key)
	require.NoError(t, err)

	parsed, err := ParsePrivateKeyPEM(pemBytes)
	require.NoError(t, err)
	require.IsType(t, &rsa.PrivateKey{}, parsed)
	assert.True(t, key.Equal(parsed))

	// TXT records split long values; whitespace-joined base64 parses.
	b64, err := EncodePublicKeyBase64(key.Public())
	require.NoError(t, err)
	split := b64[:40] + " " + b64[40:80] + "\n" + b64[80:]
	pub, err := ParsePublicKey(split)
	require.NoError(t, err)
	assert.True(t, key.Public().(*rsa.PublicKey).Equal(pub.(*rsa.PublicKey)))

	_, err = ParsePublicKey("not base64!!!")
	assert.Error(t, err)
	_, err = ParsePublicKey("")
	assert.Error(t, err)
}
