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

package wire

// HashAlgorithm identifies the digest used for signatures.
type HashAlgorithm string

// HashSHA256 is the only digest currently defined by the protocol.
const HashSHA256 HashAlgorithm = "sha256"

// EncryptionAlgorithm identifies the symmetric cipher of an encrypted
// document.
type EncryptionAlgorithm string

const (
	// EncryptionAES256GCM is the default authenticated cipher.
	EncryptionAES256GCM EncryptionAlgorithm = "aes-256-gcm"
	// EncryptionAES256CBC is the compatibility cipher for peers without
	// AEAD support.
	EncryptionAES256CBC EncryptionAlgorithm = "aes-256-cbc"
)

// EncryptionMode distinguishes ordinary payload encryption from payloads
// that additionally require an out of band second factor to read.
type EncryptionMode string

const (
	// ModeStandardEncrypt is ordinary recipient-key encryption.
	ModeStandardEncrypt EncryptionMode = "standardEncrypt"
	// Mode2FAEncrypt marks payloads gated on a second factor.
	Mode2FAEncrypt EncryptionMode = "2faEncrypt"
)

// PrivacyType expresses a trust relationship's encryption expectation for
// delivered documents.
type PrivacyType string

const (
	// PrivacyUnencrypted permits cleartext documents only.
	PrivacyUnencrypted PrivacyType = "unencrypted"
	// PrivacyEncrypted requires every document to be encrypted.
	PrivacyEncrypted PrivacyType = "encrypted"
	// PrivacyMixed permits either form.
	PrivacyMixed PrivacyType = "mixed"
)

// ValidPrivacyType reports whether p is one of the defined privacy types.
func ValidPrivacyType(p PrivacyType) bool {
	switch p {
	case PrivacyUnencrypted, PrivacyEncrypted, PrivacyMixed:
		return true
	}
	return false
}

// Signature is the detached signature block attached to artifacts and
// responses. Value is the base64 standard encoding of the raw signature
// bytes; Fingerprint is the base64 encoding of the SHA-256 digest of the
// signer's DER-encoded public key.
type Signature struct {
	AlgorithmHash HashAlgorithm `json:"algorithmHash"`
	Value         string        `json:"value"`
	Fingerprint   string        `json:"fingerprint"`
}

// Check validates the signature block shape.
func (s *Signature) Check() error {
	if s == nil {
		return NewError(CodeValidation, "missing signature")
	}
	if s.AlgorithmHash != HashSHA256 {
		return NewError(CodeValidation, "unsupported signature hash %q", s.AlgorithmHash)
	}
	if s.Value == "" {
		return NewError(CodeValidation, "signature value is empty")
	}
	if s.Fingerprint == "" {
		return NewError(CodeValidation, "signature fingerprint is empty")
	}
	return nil
}

// Encryption describes an encrypted document: the wrapped symmetric key,
// cipher parameters, and mode. All byte fields are base64 standard encoded.
type Encryption struct {
	Algorithm    EncryptionAlgorithm `json:"algorithm"`
	EncryptedKey string              `json:"encryptedKey"`
	IV           string              `json:"iv"`
	AuthTag      string              `json:"authTag,omitempty"`
	Mode         EncryptionMode      `json:"mode"`
}

// Check validates the encryption block shape. Unknown algorithms and modes
// are rejected with CodeUnsupportedEncrypt so receivers fail closed.
func (e *Encryption) Check() error {
	if e == nil {
		return nil
	}
	switch e.Algorithm {
	case EncryptionAES256GCM:
		if e.AuthTag == "" {
			return NewError(CodeValidation, "aes-256-gcm encryption requires an authTag")
		}
	case EncryptionAES256CBC:
	default:
		return NewError(CodeUnsupportedEncrypt, "unsupported encryption algorithm %q", e.Algorithm)
	}
	switch e.Mode {
	case ModeStandardEncrypt, Mode2FAEncrypt:
	default:
		return NewError(CodeUnsupportedEncrypt, "unsupported encryption mode %q", e.Mode)
	}
	if e.EncryptedKey == "" {
		return NewError(CodeValidation, "encryption encryptedKey is empty")
	}
	if e.IV == "" {
		return NewError(CodeValidation, "encryption iv is empty")
	}
	return nil
}

// Attestation is an identity counter-signature over a delegation: the
// attestor named by SignedBy vouches that the delegated agent key belongs
// to the delegating identity. Selector names the attestor's published key.
type Attestation struct {
	Signature
	SignedBy string `json:"signedBy"`
	Selector string `json:"selector,omitempty"`
}

// Check validates the attestation shape.
func (a *Attestation) Check() error {
	if a == nil {
		return nil
	}
	if err := a.Signature.Check(); err != nil {
		return err
	}
	if !ValidIdentity(a.SignedBy) {
		return NewError(CodeValidation, "attestation signedBy %q is not a valid identity", a.SignedBy)
	}
	return nil
}

// Delegation binds an on-device agent key to an identity. SignedBy is the
// delegating identity, AgentPubKey the base64 DER public key the outer
// artifact signature must verify under, and Signature covers the delegation
// block itself minus this field.
type Delegation struct {
	AgentID     string       `json:"agentId"`
	AgentPubKey string       `json:"agentPubKey"`
	SignedBy    string       `json:"signedBy"`
	IssuedAt    string       `json:"issuedAt"`
	Selector    string       `json:"selector"`
	Signature   *Signature   `json:"signature"`
	Attestation *Attestation `json:"attestation,omitempty"`
}

// Check validates the delegation shape. Structural problems surface as
// CodeDelegationInvalid to keep them distinct from plain validation errors.
func (d *Delegation) Check() error {
	if d == nil {
		return nil
	}
	if d.AgentID == "" {
		return NewError(CodeDelegationInvalid, "delegation agentId is empty")
	}
	if d.AgentPubKey == "" {
		return NewError(CodeDelegationInvalid, "delegation agentPubKey is empty")
	}
	if !ValidIdentity(d.SignedBy) {
		return NewError(CodeDelegationInvalid, "delegation signedBy %q is not a valid identity", d.SignedBy)
	}
	if d.Selector == "" {
		return NewError(CodeDelegationInvalid, "delegation selector is empty")
	}
	if _, err := ParseTime(d.IssuedAt); err != nil {
		return NewError(CodeDelegationInvalid, "delegation issuedAt %q is not a valid timestamp", d.IssuedAt)
	}
	if err := d.Signature.Check(); err != nil {
		return NewError(CodeDelegationInvalid, "delegation signature: %v", err)
	}
	if err := d.Attestation.Check(); err != nil {
		return NewError(CodeDelegationInvalid, "delegation attestation: %v", err)
	}
	return nil
}
