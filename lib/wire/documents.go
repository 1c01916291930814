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

	"github.com/btps-protocol/btps"
)

// Document is a typed artifact payload.
type Document interface {
	// Check validates the document against its schema.
	Check() error
}

// DocumentForType returns an empty document matching a transporter artifact
// type, ready to unmarshal into.
func DocumentForType(artifactType string) (Document, error) {
	switch artifactType {
	case btps.ArtifactTypeTrustRequest:
		return &TrustRequestDocument{}, nil
	case btps.ArtifactTypeTrustResponse:
		return &TrustResponseDocument{}, nil
	case btps.ArtifactTypeDoc:
		return &InvoiceDocument{}, nil
	}
	return nil, NewError(CodeValidation, "unknown artifact type %q", artifactType)
}

// DocumentForAction returns an empty document matching an agent action, or
// nil when the action takes a free-form or absent payload.
func DocumentForAction(action Action) (Document, error) {
	switch action {
	case ActionTrustRequest:
		return &TrustRequestDocument{}, nil
	case ActionTrustRespond:
		return &TrustResponseDocument{}, nil
	case ActionTrustUpdate:
		return &TrustUpdateDocument{}, nil
	case ActionTrustDelete, ActionInboxSeen, ActionInboxDelete,
		ActionOutboxCancel, ActionDraftDelete, ActionSentboxDelete,
		ActionTrashDelete:
		return &RecordRefDocument{}, nil
	case ActionDraftCreate:
		return &DraftDocument{}, nil
	case ActionDraftUpdate:
		return &DraftUpdateDocument{}, nil
	case ActionAuthRequest:
		return &AuthRequestDocument{}, nil
	case ActionAuthRefresh:
		return &AuthRefreshDocument{}, nil
	case ActionArtifactSend:
		return &ArtifactSendDocument{}, nil
	}
	return nil, nil
}

// TrustRequestDocument introduces a sender to a receiver and asks for an
// active trust relationship.
type TrustRequestDocument struct {
	Name        string      `json:"name"`
	Email       string      `json:"email"`
	Reason      string      `json:"reason"`
	Phone       string      `json:"phone"`
	Message     string      `json:"message,omitempty"`
	DisplayName string      `json:"displayName,omitempty"`
	LogoURL     string      `json:"logoUrl,omitempty"`
	WebsiteURL  string      `json:"websiteUrl,omitempty"`
	ExpiresAt   string      `json:"expiresAt,omitempty"`
	PrivacyType PrivacyType `json:"privacyType"`
}

// Check implements Document.
func (d *TrustRequestDocument) Check() error {
	switch {
	case d.Name == "":
		return NewError(CodeValidation, "trust request name is empty")
	case d.Email == "":
		return NewError(CodeValidation, "trust request email is empty")
	case d.Reason == "":
		return NewError(CodeValidation, "trust request reason is empty")
	case d.Phone == "":
		return NewError(CodeValidation, "trust request phone is empty")
	case !ValidPrivacyType(d.PrivacyType):
		return NewError(CodeValidation, "invalid privacyType %q", d.PrivacyType)
	}
	if d.ExpiresAt != "" {
		if _, err := ParseTime(d.ExpiresAt); err != nil {
			return err
		}
	}
	return nil
}

// TrustDecision is the receiver's verdict on a trust request.
type TrustDecision string

const (
	DecisionAccepted TrustDecision = "accepted"
	DecisionRejected TrustDecision = "rejected"
	DecisionRevoked  TrustDecision = "revoked"
	DecisionBlocked  TrustDecision = "blocked"
)

// ValidTrustDecision reports whether d is a defined decision.
func ValidTrustDecision(d TrustDecision) bool {
	switch d {
	case DecisionAccepted, DecisionRejected, DecisionRevoked, DecisionBlocked:
		return true
	}
	return false
}

// TrustResponseDocument answers a trust request.
type TrustResponseDocument struct {
	Decision       TrustDecision `json:"decision"`
	DecidedAt      string        `json:"decidedAt"`
	DecidedBy      string        `json:"decidedBy"`
	ExpiresAt      string        `json:"expiresAt,omitempty"`
	Message        string        `json:"message,omitempty"`
	PrivacyType    PrivacyType   `json:"privacyType,omitempty"`
	RetryAfterDate string        `json:"retryAfterDate,omitempty"`
}

// Check implements Document.
func (d *TrustResponseDocument) Check() error {
	if !ValidTrustDecision(d.Decision) {
		return NewError(CodeValidation, "invalid trust decision %q", d.Decision)
	}
	if _, err := ParseTime(d.DecidedAt); err != nil {
		return err
	}
	if d.DecidedBy == "" {
		return NewError(CodeValidation, "trust response decidedBy is empty")
	}
	for _, ts := range []string{d.ExpiresAt, d.RetryAfterDate} {
		if ts == "" {
			continue
		}
		if _, err := ParseTime(ts); err != nil {
			return err
		}
	}
	if d.PrivacyType != "" && !ValidPrivacyType(d.PrivacyType) {
		return NewError(CodeValidation, "invalid privacyType %q", d.PrivacyType)
	}
	return nil
}

// Money is an amount in a named currency.
type Money struct {
	Value    float64 `json:"value"`
	Currency string  `json:"currency"`
}

// LineItems is a tabular invoice body: declared columns plus rows keyed by
// column name.
type LineItems struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// Attachment is an inline base64 file. Type names the media format.
type Attachment struct {
	Content  string `json:"content"`
	Type     string `json:"type"`
	Filename string `json:"filename,omitempty"`
}

// InvoiceStatus enumerates invoice settlement states.
type InvoiceStatus string

const (
	InvoicePaid     InvoiceStatus = "paid"
	InvoiceUnpaid   InvoiceStatus = "unpaid"
	InvoicePartial  InvoiceStatus = "partial"
	InvoiceRefunded InvoiceStatus = "refunded"
	InvoiceDisputed InvoiceStatus = "disputed"
)

// InvoiceDocument is the business payload of a BTPS_DOC artifact.
type InvoiceDocument struct {
	Title       string        `json:"title"`
	ID          string        `json:"id"`
	IssuedAt    string        `json:"issuedAt"`
	Status      InvoiceStatus `json:"status"`
	DueAt       string        `json:"dueAt,omitempty"`
	PaidAt      string        `json:"paidAt,omitempty"`
	RefundedAt  string        `json:"refundedAt,omitempty"`
	DisputedAt  string        `json:"disputedAt,omitempty"`
	TotalAmount Money         `json:"totalAmount"`
	LineItems   LineItems     `json:"lineItems"`
	Attachment  *Attachment   `json:"attachment,omitempty"`
	PaymentLink string        `json:"paymentLink,omitempty"`
	Description string        `json:"description,omitempty"`
}

// Check implements Document.
func (d *InvoiceDocument) Check() error {
	switch {
	case d.Title == "":
		return NewError(CodeValidation, "invoice title is empty")
	case d.ID == "":
		return NewError(CodeValidation, "invoice id is empty")
	case d.TotalAmount.Currency == "":
		return NewError(CodeValidation, "invoice currency is empty")
	case len(d.LineItems.Columns) == 0:
		return NewError(CodeValidation, "invoice line items declare no columns")
	}
	if _, err := ParseTime(d.IssuedAt); err != nil {
		return err
	}
	switch d.Status {
	case InvoicePaid, InvoiceUnpaid, InvoicePartial, InvoiceRefunded, InvoiceDisputed:
	default:
		return NewError(CodeValidation, "invalid invoice status %q", d.Status)
	}
	for _, ts := range []string{d.DueAt, d.PaidAt, d.RefundedAt, d.DisputedAt} {
		if ts == "" {
			continue
		}
		if _, err := ParseTime(ts); err != nil {
			return err
		}
	}
	cols := make(map[string]bool, len(d.LineItems.Columns))
	for _, c := range d.LineItems.Columns {
		cols[c] = true
	}
	for i, row := range d.LineItems.Rows {
		for k := range row {
			if !cols[k] {
				return NewError(CodeValidation, "invoice row %d has undeclared column %q", i, k)
			}
		}
	}
	if d.Attachment != nil {
		switch d.Attachment.Type {
		case "application/pdf", "image/jpeg", "image/png":
		default:
			return NewError(CodeValidation, "unsupported attachment type %q", d.Attachment.Type)
		}
		if d.Attachment.Content == "" {
			return NewError(CodeValidation, "attachment content is empty")
		}
	}
	return nil
}

// TrustUpdateDocument mutates fields of an existing trust record owned by
// the requesting identity.
type TrustUpdateDocument struct {
	ID          string         `json:"id"`
	ExpiresAt   string         `json:"expiresAt,omitempty"`
	PrivacyType PrivacyType    `json:"privacyType,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Check implements Document.
func (d *TrustUpdateDocument) Check() error {
	if d.ID == "" {
		return NewError(CodeValidation, "trust update id is empty")
	}
	if d.ExpiresAt != "" {
		if _, err := ParseTime(d.ExpiresAt); err != nil {
			return err
		}
	}
	if d.PrivacyType != "" && !ValidPrivacyType(d.PrivacyType) {
		return NewError(CodeValidation, "invalid privacyType %q", d.PrivacyType)
	}
	return nil
}

// RecordRefDocument points at a stored record by id. It serves the delete,
// seen, and cancel actions.
type RecordRefDocument struct {
	ID string `json:"id"`
}

// Check implements Document.
func (d *RecordRefDocument) Check() error {
	if d.ID == "" {
		return NewError(CodeValidation, "record id is empty")
	}
	return nil
}

// DraftDocument stores an unsent artifact body.
type DraftDocument struct {
	Type     string          `json:"type"`
	To       string          `json:"to,omitempty"`
	Document json.RawMessage `json:"document"`
}

// Check implements Document.
func (d *DraftDocument) Check() error {
	if !ValidTransporterType(d.Type) {
		return NewError(CodeValidation, "unknown draft type %q", d.Type)
	}
	if d.To != "" && !ValidIdentity(d.To) {
		return NewError(CodeIdentity, "draft recipient %q is not a valid identity", d.To)
	}
	if len(d.Document) == 0 {
		return NewError(CodeValidation, "draft document is empty")
	}
	return nil
}

// DraftUpdateDocument replaces the body of an existing draft.
type DraftUpdateDocument struct {
	ID string `json:"id"`
	DraftDocument
}

// Check implements Document.
func (d *DraftUpdateDocument) Check() error {
	if d.ID == "" {
		return NewError(CodeValidation, "draft id is empty")
	}
	return d.DraftDocument.Check()
}

// AgentInfo is optional free-form device metadata recorded at session
// creation.
type AgentInfo map[string]any

// AuthRequestDocument bootstraps an agent session. PublicKey is the
// base64 DER key the device will sign with; the artifact signature must
// verify under it, proving possession before the auth token is spent.
type AuthRequestDocument struct {
	Identity  string    `json:"identity"`
	AuthToken string    `json:"authToken"`
	PublicKey string    `json:"publicKey"`
	AgentInfo AgentInfo `json:"agentInfo,omitempty"`
}

// Check implements Document.
func (d *AuthRequestDocument) Check() error {
	if !ValidIdentity(d.Identity) {
		return NewError(CodeIdentity, "auth identity %q is not a valid identity", d.Identity)
	}
	if d.AuthToken == "" {
		return NewError(CodeValidation, "auth token is empty")
	}
	if d.PublicKey == "" {
		return NewError(CodeValidation, "auth publicKey is empty")
	}
	return nil
}

// AuthRefreshDocument rotates an agent session using the refresh token
// issued by the previous auth exchange. A new PublicKey may be supplied to
// rotate the device key.
type AuthRefreshDocument struct {
	Identity  string    `json:"identity"`
	AuthToken string    `json:"authToken"`
	PublicKey string    `json:"publicKey,omitempty"`
	AgentInfo AgentInfo `json:"agentInfo,omitempty"`
}

// Check implements Document.
func (d *AuthRefreshDocument) Check() error {
	if !ValidIdentity(d.Identity) {
		return NewError(CodeIdentity, "auth identity %q is not a valid identity", d.Identity)
	}
	if d.AuthToken == "" {
		return NewError(CodeValidation, "refresh token is empty")
	}
	return nil
}

// AuthResponseDocument is the server's answer to a successful auth.request
// or auth.refresh: the agent id to sign future artifacts with, plus the
// next refresh token and its expiry.
type AuthResponseDocument struct {
	AgentID      string `json:"agentId"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
	DecidedBy    string `json:"decidedBy,omitempty"`
}

// Check implements Document.
func (d *AuthResponseDocument) Check() error {
	if d.AgentID == "" {
		return NewError(CodeValidation, "auth response agentId is empty")
	}
	if d.RefreshToken == "" {
		return NewError(CodeValidation, "auth response refreshToken is empty")
	}
	if _, err := ParseTime(d.ExpiresAt); err != nil {
		return err
	}
	return nil
}

// IdentityRecordDocument answers an identity lookup with the published key
// material of the requested identity.
type IdentityRecordDocument struct {
	Identity  string `json:"identity"`
	Selector  string `json:"selector"`
	PublicKey string `json:"publicKey"`
	Version   string `json:"version"`
}

// Check implements Document.
func (d *IdentityRecordDocument) Check() error {
	if !ValidIdentity(d.Identity) {
		return NewError(CodeIdentity, "record identity %q is not a valid identity", d.Identity)
	}
	if d.Selector == "" {
		return NewError(CodeValidation, "record selector is empty")
	}
	if d.PublicKey == "" {
		return NewError(CodeValidation, "record publicKey is empty")
	}
	return nil
}

// ArtifactSendDocument asks the home server to construct, sign, and
// deliver a transporter artifact on the agent's behalf.
type ArtifactSendDocument struct {
	Type     string          `json:"type"`
	To       string          `json:"to"`
	Document json.RawMessage `json:"document"`
}

// Check implements Document.
func (d *ArtifactSendDocument) Check() error {
	if !ValidTransporterType(d.Type) {
		return NewError(CodeValidation, "unknown artifact type %q", d.Type)
	}
	if !ValidIdentity(d.To) {
		return NewError(CodeIdentity, "recipient %q is not a valid identity", d.To)
	}
	if len(d.Document) == 0 {
		return NewError(CodeValidation, "document is empty")
	}
	doc, err := DocumentForType(d.Type)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(d.Document, doc); err != nil {
		return NewError(CodeValidation, "document does not match schema for %s: %v", d.Type, err)
	}
	return doc.Check()
}
