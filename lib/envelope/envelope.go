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

// Package envelope implements the cryptographic envelope of BTPS
// artifacts: detached signatures over canonical JSON, hybrid document
// encryption, key parsing and fingerprinting, and token minting. Signing
// always happens over canonicaljson bytes so that signatures verify across
// implementations.
package envelope

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/btps-protocol/btps/lib/canonicaljson"
	"github.com/btps-protocol/btps/lib/wire"
)

// SigningBytes returns the canonical byte form of v with the named
// top-level fields removed. Raw JSON input is canonicalized as is, which
// preserves fields unknown to this implementation; anything else is first
// serialized through encoding/json. v must be a JSON object when fields
// are excluded.
func SigningBytes(v any, exclude ...string) ([]byte, error) {
	var raw []byte
	switch x := v.(type) {
	case []byte:
		raw = x
	case json.RawMessage:
		raw = x
	default:
		var err error
		raw, err = json.Marshal(v)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if len(exclude) == 0 {
		return canonicaljson.Canonicalize(raw)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, trace.BadParameter("signing payload is not a JSON object: %v", err)
	}
	for _, name := range exclude {
		delete(fields, name)
	}
	trimmed, err := json.Marshal(fields)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return canonicaljson.Canonicalize(trimmed)
}

// SignPayload signs payload with the given key and returns the detached
// signature block. RSA keys sign the SHA-256 digest with PKCS#1 v1.5,
// ECDSA keys sign the digest in ASN.1 form, Ed25519 keys sign the payload
// directly.
func SignPayload(signer crypto.Signer, payload []byte) (*wire.Signature, error) {
	fp, err := Fingerprint(signer.Public())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	digest := sha256.Sum256(payload)
	var sig []byte
	switch key := signer.(type) {
	case *rsa.PrivateKey:
		sig, err = rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	case ed25519.PrivateKey:
		sig = ed25519.Sign(key, payload)
	case *ecdsa.PrivateKey:
		sig, err = ecdsa.SignASN1(rand.Reader, key, digest[:])
	default:
		sig, err = signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &wire.Signature{
		AlgorithmHash: wire.HashSHA256,
		Value:         base64.StdEncoding.EncodeToString(sig),
		Fingerprint:   fp,
	}, nil
}

// VerifyPayload checks sig over payload under pub. A fingerprint
// disagreement reports SIG_MISMATCH before any cryptographic work; a
// failed verification reports SIG_VERIFICATION.
func VerifyPayload(pub crypto.PublicKey, payload []byte, sig *wire.Signature) error {
	if err := sig.Check(); err != nil {
		return trace.Wrap(err)
	}
	fp, err := Fingerprint(pub)
	if err != nil {
		return trace.Wrap(err)
	}
	if fp != sig.Fingerprint {
		return wire.NewError(wire.CodeSigMismatch,
			"signature fingerprint does not match the resolved key")
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig.Value)
	if err != nil {
		return wire.NewError(wire.CodeSigVerification, "signature value is not valid base64")
	}
	digest := sha256.Sum256(payload)
	switch key := pub.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sigBytes); err != nil {
			return wire.NewError(wire.CodeSigVerification, "signature does not verify")
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(key, payload, sigBytes) {
			return wire.NewError(wire.CodeSigVerification, "signature does not verify")
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest[:], sigBytes) {
			return wire.NewError(wire.CodeSigVerification, "signature does not verify")
		}
	default:
		return trace.BadParameter("unsupported public key type %T", pub)
	}
	return nil
}

// Sign computes the detached signature of an artifact or block, excluding
// its signature field from the signed bytes.
func Sign(signer crypto.Signer, v any) (*wire.Signature, error) {
	payload, err := SigningBytes(v, "signature")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return SignPayload(signer, payload)
}

// Verify checks an artifact's detached signature under pub. v may be the
// raw wire bytes, which keeps fields this implementation does not know
// about inside the verified payload.
func Verify(pub crypto.PublicKey, v any, sig *wire.Signature) error {
	payload, err := SigningBytes(v, "signature")
	if err != nil {
		return trace.Wrap(err)
	}
	return VerifyPayload(pub, payload, sig)
}

// VerifyWithKey parses the wire form of a public key and verifies v's
// signature under it.
func VerifyWithKey(key string, v any, sig *wire.Signature) error {
	pub, err := ParsePublicKey(key)
	if err != nil {
		return trace.Wrap(err)
	}
	return Verify(pub, v, sig)
}

// DelegationSigningBytes returns the canonical bytes a delegation
// signature covers: the binding {agentId, agentPubKey, signedBy,
// issuedAt}. Selector and attestation stay outside the signed payload so
// an attestor can counter-sign after the fact and the delegator can
// republish under a rotated selector without invalidating the binding.
func DelegationSigningBytes(d *wire.Delegation) ([]byte, error) {
	return SigningBytes(d, "signature", "selector", "attestation")
}

// AttestationSigningBytes returns the canonical bytes an attestation
// covers: the delegation block minus both its signature and the
// attestation itself, selector included.
func AttestationSigningBytes(d *wire.Delegation) ([]byte, error) {
	return SigningBytes(d, "signature", "attestation")
}
