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
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/btps-protocol/btps"
)

// Status is the outcome header of a response. Code follows HTTP numeric
// conventions so operators can reuse existing alerting rules.
type Status struct {
	OK      bool   `json:"ok"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Response is the single reply written for each request line. ReqID echoes
// the request's artifact id when one was parseable. Document optionally
// carries a typed payload; Signature and SignedBy are set when the server
// signs its responses.
type Response struct {
	Version    string          `json:"version"`
	Status     Status          `json:"status"`
	ID         string          `json:"id"`
	IssuedAt   string          `json:"issuedAt"`
	Type       string          `json:"type"`
	ReqID      string          `json:"reqId,omitempty"`
	Document   json.RawMessage `json:"document,omitempty"`
	Signature  *Signature      `json:"signature,omitempty"`
	Encryption *Encryption     `json:"encryption,omitempty"`
	SignedBy   string          `json:"signedBy,omitempty"`
	Selector   string          `json:"selector,omitempty"`
}

// OK reports whether the response is a success.
func (r *Response) OK() bool {
	return r != nil && r.Status.OK
}

// Err converts an error response into a ProtocolError, or returns nil for
// success responses. The code is recovered from the message prefix when
// present so client callers can branch on it.
func (r *Response) Err() error {
	if r == nil {
		return NewError(CodeSocketClosed, "no response received")
	}
	if r.Status.OK {
		return nil
	}
	msg := r.Status.Message
	for _, code := range allCodes {
		if prefix := string(code) + ": "; strings.HasPrefix(msg, prefix) {
			return NewError(code, "%s", strings.TrimPrefix(msg, prefix))
		}
	}
	return NewError(CodeUnknown, "%s", msg)
}

var allCodes = []Code{
	CodeInvalidJSON, CodeValidation, CodeIdentity,
	CodeResolveDNS, CodeResolvePubKey, CodeSelectorNotFound,
	CodeSigMismatch, CodeSigVerification,
	CodeDelegationSigVerification, CodeDelegationInvalid,
	CodeAttestationVerification,
	CodeUnsupportedEncrypt, CodeDecryptionUnintended,
	CodeTrustNonExistent, CodeTrustAlreadyActive,
	CodeTrustBlocked, CodeTrustNotAllowed,
	CodeAuthenticationInvalid, CodeInvalidConfig,
	CodeRateLimiter, CodeSocketTimeout, CodeSocketClosed,
	CodeUnknown,
}

// NewOKResponse builds a success response for the given request id.
func NewOKResponse(clock clockwork.Clock, reqID string) *Response {
	return &Response{
		Version:  btps.ProtocolVersion,
		Status:   Status{OK: true, Code: 200},
		ID:       uuid.NewString(),
		IssuedAt: Now(clock),
		Type:     btps.ResponseTypeOK,
		ReqID:    reqID,
	}
}

// NewDocumentResponse builds a success response carrying a typed document.
func NewDocumentResponse(clock clockwork.Clock, reqID string, doc any) (*Response, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, WrapError(CodeUnknown, err, "encoding response document")
	}
	r := NewOKResponse(clock, reqID)
	r.Document = raw
	return r, nil
}

// NewErrorResponse builds a failure response from err. Untyped errors are
// reported as UNKNOWN with status 500; the code travels as a message
// prefix so peers can recover it.
func NewErrorResponse(clock clockwork.Clock, reqID string, err error) *Response {
	pe := AsProtocolError(err)
	return &Response{
		Version:  btps.ProtocolVersion,
		Status:   Status{OK: false, Code: pe.Code.Status(), Message: pe.Error()},
		ID:       uuid.NewString(),
		IssuedAt: Now(clock),
		Type:     btps.ResponseTypeError,
		ReqID:    reqID,
	}
}
