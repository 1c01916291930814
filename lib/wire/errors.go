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

import (
	"errors"
	"fmt"
)

// Code identifies a protocol error. The set is closed; codes are part of the
// wire contract and appear verbatim in btps_error responses.
type Code string

const (
	// CodeInvalidJSON marks a request line that is not valid JSON.
	CodeInvalidJSON Code = "INVALID_JSON"
	// CodeValidation marks an artifact that fails schema validation.
	CodeValidation Code = "VALIDATION"
	// CodeIdentity marks a malformed username$domain identity.
	CodeIdentity Code = "IDENTITY"
	// CodeResolveDNS marks an unresolvable discovery record.
	CodeResolveDNS Code = "RESOLVE_DNS"
	// CodeResolvePubKey marks a present but malformed key record.
	CodeResolvePubKey Code = "RESOLVE_PUBKEY"
	// CodeSelectorNotFound marks a selector with no published key record.
	CodeSelectorNotFound Code = "SELECTOR_NOT_FOUND"
	// CodeSigMismatch marks a fingerprint disagreement between the
	// resolved key and the signature block.
	CodeSigMismatch Code = "SIG_MISMATCH"
	// CodeSigVerification marks a failed cryptographic signature check.
	CodeSigVerification Code = "SIG_VERIFICATION"
	// CodeDelegationSigVerification marks a delegation whose signature
	// does not verify under the delegator's key.
	CodeDelegationSigVerification Code = "DELEGATION_SIG_VERIFICATION"
	// CodeDelegationInvalid marks a structurally inconsistent delegation,
	// including an agent key that disagrees with the outer signature.
	CodeDelegationInvalid Code = "DELEGATION_INVALID"
	// CodeAttestationVerification marks a failed attestation
	// counter-signature check.
	CodeAttestationVerification Code = "ATTESTATION_VERIFICATION"
	// CodeUnsupportedEncrypt marks an unknown encryption algorithm or mode.
	CodeUnsupportedEncrypt Code = "UNSUPPORTED_ENCRYPT"
	// CodeDecryptionUnintended marks a decryption attempted with a key
	// that does not belong to the identified recipient.
	CodeDecryptionUnintended Code = "DECRYPTION_UNINTENDED"
	// CodeTrustNonExistent marks delivery without an active trust record.
	CodeTrustNonExistent Code = "TRUST_NON_EXISTENT"
	// CodeTrustAlreadyActive marks a trust request between parties that
	// already hold an active record.
	CodeTrustAlreadyActive Code = "TRUST_ALREADY_ACTIVE"
	// CodeTrustBlocked marks traffic from a blocked sender.
	CodeTrustBlocked Code = "TRUST_BLOCKED"
	// CodeTrustNotAllowed marks a trust operation the sender may not
	// perform, such as responding to a request addressed to someone else.
	CodeTrustNotAllowed Code = "TRUST_NOT_ALLOWED"
	// CodeAuthenticationInvalid marks a missing, expired, or already used
	// auth or refresh token.
	CodeAuthenticationInvalid Code = "AUTHENTICATION_INVALID"
	// CodeInvalidConfig marks a misconfigured store or component surfaced
	// through the protocol error path.
	CodeInvalidConfig Code = "INVALID_CONFIG"
	// CodeRateLimiter marks a request rejected by rate limiting.
	CodeRateLimiter Code = "RATE_LIMITER"
	// CodeSocketTimeout marks an idle or deadline-expired connection.
	CodeSocketTimeout Code = "SOCKET_TIMEOUT"
	// CodeSocketClosed marks a connection closed before a response
	// arrived.
	CodeSocketClosed Code = "SOCKET_CLOSED"
	// CodeUnknown marks any failure outside the taxonomy.
	CodeUnknown Code = "UNKNOWN"
)

// Status returns the HTTP-style numeric code written in responses carrying
// this error code.
func (c Code) Status() int {
	switch c {
	case CodeInvalidJSON, CodeValidation, CodeIdentity, CodeUnsupportedEncrypt:
		return 400
	case CodeSigMismatch, CodeSigVerification,
		CodeDelegationSigVerification, CodeDelegationInvalid,
		CodeAttestationVerification, CodeDecryptionUnintended,
		CodeTrustNonExistent, CodeTrustAlreadyActive, CodeTrustBlocked,
		CodeTrustNotAllowed, CodeAuthenticationInvalid,
		CodeResolveDNS, CodeResolvePubKey, CodeSelectorNotFound:
		return 403
	case CodeSocketTimeout:
		return 408
	case CodeRateLimiter:
		return 429
	default:
		return 500
	}
}

// ProtocolError is a typed BTPS failure. It carries a stable code plus a
// human message and optionally wraps the causing error and structured
// metadata for observability middleware.
type ProtocolError struct {
	// Code is the stable protocol error code.
	Code Code
	// Message is the human readable description.
	Message string
	// Cause is the wrapped underlying error, if any.
	Cause error
	// Meta carries optional structured context for middleware.
	Meta map[string]any
}

// NewError returns a ProtocolError with the given code and formatted message.
func NewError(code Code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps err into a ProtocolError with the given code. A nil err
// returns nil.
func WrapError(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/errors.As chains.
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// WithMeta attaches structured metadata and returns the error for chaining.
func (e *ProtocolError) WithMeta(meta map[string]any) *ProtocolError {
	e.Meta = meta
	return e
}

// AsProtocolError extracts the ProtocolError from err's chain. Untyped
// errors come back as CodeUnknown so that every failure can be written as a
// btps_error response.
func AsProtocolError(err error) *ProtocolError {
	if err == nil {
		return nil
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProtocolError{Code: CodeUnknown, Message: err.Error(), Cause: err}
}

// CodeOf returns the protocol code of err, or CodeUnknown for untyped
// errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return AsProtocolError(err).Code
}

// IsCode reports whether err carries the given protocol code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
