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

// Kind discriminates the artifact families a server accepts on the wire.
type Kind string

const (
	// KindTransporter is a server-to-server document artifact.
	KindTransporter Kind = "transporter"
	// KindAgent is a device-to-home-server action artifact.
	KindAgent Kind = "agent"
	// KindControl is a connection control artifact.
	KindControl Kind = "control"
	// KindIdentityLookup is a directory query artifact.
	KindIdentityLookup Kind = "identity_lookup"
)

// Artifact is one parsed request line. Concrete types are
// TransporterArtifact, AgentArtifact, ControlArtifact, and
// IdentityLookupArtifact.
type Artifact interface {
	// Kind returns the artifact family.
	Kind() Kind
	// ArtifactID returns the unique request id echoed in responses.
	ArtifactID() string
	// Check validates the artifact shape against the wire contract.
	Check() error
}

// TransporterArtifact carries a business document between identities on
// different servers. Document holds either cleartext JSON validated against
// the type's schema, or a base64 string when Encryption is set. A nil
// Encryption is serialized as an explicit null.
type TransporterArtifact struct {
	Version    string          `json:"version"`
	ID         string          `json:"id"`
	IssuedAt   string          `json:"issuedAt"`
	Type       string          `json:"type"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Selector   string          `json:"selector"`
	Document   json.RawMessage `json:"document"`
	Signature  *Signature      `json:"signature"`
	Encryption *Encryption     `json:"encryption"`
	Delegation *Delegation     `json:"delegation,omitempty"`
}

// Kind implements Artifact.
func (a *TransporterArtifact) Kind() Kind { return KindTransporter }

// ArtifactID implements Artifact.
func (a *TransporterArtifact) ArtifactID() string { return a.ID }

// ValidTransporterType reports whether t names a transporter document type.
func ValidTransporterType(t string) bool {
	switch t {
	case btps.ArtifactTypeTrustRequest, btps.ArtifactTypeTrustResponse, btps.ArtifactTypeDoc:
		return true
	}
	return false
}

// Check implements Artifact.
func (a *TransporterArtifact) Check() error {
	if err := CheckProtocolVersion(a.Version); err != nil {
		return err
	}
	if a.ID == "" {
		return NewError(CodeValidation, "artifact id is empty")
	}
	if _, err := ParseTime(a.IssuedAt); err != nil {
		return err
	}
	if !ValidTransporterType(a.Type) {
		return NewError(CodeValidation, "unknown artifact type %q", a.Type)
	}
	if !ValidIdentity(a.From) {
		return NewError(CodeIdentity, "from address %q is not a valid identity", a.From)
	}
	if !ValidIdentity(a.To) {
		return NewError(CodeIdentity, "to address %q is not a valid identity", a.To)
	}
	if a.Selector == "" {
		return NewError(CodeValidation, "artifact selector is empty")
	}
	if err := a.Signature.Check(); err != nil {
		return err
	}
	if err := a.Encryption.Check(); err != nil {
		return err
	}
	if err := a.Delegation.Check(); err != nil {
		return err
	}
	return a.checkDocument()
}

func (a *TransporterArtifact) checkDocument() error {
	if len(a.Document) == 0 {
		return NewError(CodeValidation, "artifact document is empty")
	}
	if a.Encryption != nil {
		// Encrypted payloads travel as a single base64 JSON string.
		var s string
		if err := json.Unmarshal(a.Document, &s); err != nil || s == "" {
			return NewError(CodeValidation, "encrypted document must be a base64 string")
		}
		return nil
	}
	doc, err := DocumentForType(a.Type)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(a.Document, doc); err != nil {
		return NewError(CodeValidation, "document does not match schema for %s: %v", a.Type, err)
	}
	return doc.Check()
}

// AgentArtifact is an action request from a delegated device to the user's
// home server. The signature verifies against the agent key on file in the
// trust store for (AgentID, To), except for auth.request which proves
// possession of the key embedded in its own document.
type AgentArtifact struct {
	ID         string          `json:"id"`
	AgentID    string          `json:"agentId"`
	Action     Action          `json:"action"`
	To         string          `json:"to"`
	IssuedAt   string          `json:"issuedAt"`
	Document   json.RawMessage `json:"document,omitempty"`
	Signature  *Signature      `json:"signature"`
	Encryption *Encryption     `json:"encryption"`
}

// Kind implements Artifact.
func (a *AgentArtifact) Kind() Kind { return KindAgent }

// ArtifactID implements Artifact.
func (a *AgentArtifact) ArtifactID() string { return a.ID }

// Check implements Artifact.
func (a *AgentArtifact) Check() error {
	if a.ID == "" {
		return NewError(CodeValidation, "artifact id is empty")
	}
	if a.AgentID == "" {
		return NewError(CodeValidation, "artifact agentId is empty")
	}
	if !ValidAction(a.Action) {
		return NewError(CodeValidation, "unknown agent action %q", a.Action)
	}
	if !ValidIdentity(a.To) {
		return NewError(CodeIdentity, "to address %q is not a valid identity", a.To)
	}
	if _, err := ParseTime(a.IssuedAt); err != nil {
		return err
	}
	if err := a.Signature.Check(); err != nil {
		return err
	}
	if err := a.Encryption.Check(); err != nil {
		return err
	}
	return a.checkDocument()
}

func (a *AgentArtifact) checkDocument() error {
	if !RequiresDocument(a.Action) {
		return nil
	}
	if len(a.Document) == 0 {
		return NewError(CodeValidation, "action %s requires a document", a.Action)
	}
	if a.Encryption != nil {
		if a.Action == ActionAuthRequest {
			// The session bootstrap document must be readable before
			// any session key exists.
			return NewError(CodeValidation, "auth.request document cannot be encrypted")
		}
		var s string
		if err := json.Unmarshal(a.Document, &s); err != nil || s == "" {
			return NewError(CodeValidation, "encrypted document must be a base64 string")
		}
		return nil
	}
	doc, err := DocumentForAction(a.Action)
	if err != nil || doc == nil {
		return err
	}
	if err := json.Unmarshal(a.Document, doc); err != nil {
		return NewError(CodeValidation, "document does not match schema for %s: %v", a.Action, err)
	}
	return doc.Check()
}

// ControlAction is a connection-scoped verb.
type ControlAction string

const (
	// ControlPing checks liveness.
	ControlPing ControlAction = btps.ControlActionPing
	// ControlQuit asks the server to close the connection.
	ControlQuit ControlAction = btps.ControlActionQuit
)

// ControlArtifact is an unauthenticated connection control request.
type ControlArtifact struct {
	Version  string        `json:"version"`
	ID       string        `json:"id"`
	IssuedAt string        `json:"issuedAt"`
	Action   ControlAction `json:"action"`
}

// Kind implements Artifact.
func (a *ControlArtifact) Kind() Kind { return KindControl }

// ArtifactID implements Artifact.
func (a *ControlArtifact) ArtifactID() string { return a.ID }

// Check implements Artifact.
func (a *ControlArtifact) Check() error {
	if err := CheckProtocolVersion(a.Version); err != nil {
		return err
	}
	if a.ID == "" {
		return NewError(CodeValidation, "artifact id is empty")
	}
	if _, err := ParseTime(a.IssuedAt); err != nil {
		return err
	}
	switch a.Action {
	case ControlPing, ControlQuit:
		return nil
	}
	return NewError(CodeValidation, "unknown control action %q", a.Action)
}

// IdentityLookupArtifact queries a hosting server's directory for the
// published key material of an identity.
type IdentityLookupArtifact struct {
	Version          string `json:"version"`
	ID               string `json:"id"`
	IssuedAt         string `json:"issuedAt"`
	From             string `json:"from"`
	Identity         string `json:"identity"`
	HostSelector     string `json:"hostSelector"`
	IdentitySelector string `json:"identitySelector,omitempty"`
}

// Kind implements Artifact.
func (a *IdentityLookupArtifact) Kind() Kind { return KindIdentityLookup }

// ArtifactID implements Artifact.
func (a *IdentityLookupArtifact) ArtifactID() string { return a.ID }

// Check implements Artifact.
func (a *IdentityLookupArtifact) Check() error {
	if err := CheckProtocolVersion(a.Version); err != nil {
		return err
	}
	if a.ID == "" {
		return NewError(CodeValidation, "artifact id is empty")
	}
	if _, err := ParseTime(a.IssuedAt); err != nil {
		return err
	}
	if !ValidIdentity(a.From) {
		return NewError(CodeIdentity, "from address %q is not a valid identity", a.From)
	}
	if !ValidIdentity(a.Identity) {
		return NewError(CodeIdentity, "lookup target %q is not a valid identity", a.Identity)
	}
	if a.HostSelector == "" {
		return NewError(CodeValidation, "hostSelector is empty")
	}
	return nil
}

// ParseArtifact decodes one request line into its artifact variant,
// selected by shape: a type field means transporter, a control action means
// control, action plus agentId means agent, identity plus hostSelector
// means identity lookup. The returned artifact has passed Check.
func ParseArtifact(data []byte) (Artifact, error) {
	var probe struct {
		Type         string `json:"type"`
		Action       string `json:"action"`
		AgentID      string `json:"agentId"`
		Identity     string `json:"identity"`
		HostSelector string `json:"hostSelector"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, WrapError(CodeInvalidJSON, err, "request is not valid JSON")
	}

	var artifact Artifact
	switch {
	case probe.Type != "":
		artifact = &TransporterArtifact{}
	case probe.Action == string(ControlPing) || probe.Action == string(ControlQuit):
		artifact = &ControlArtifact{}
	case probe.Action != "" && probe.AgentID != "":
		artifact = &AgentArtifact{}
	case probe.Identity != "" && probe.HostSelector != "":
		artifact = &IdentityLookupArtifact{}
	default:
		return nil, NewError(CodeValidation, "unrecognized artifact shape")
	}

	if err := json.Unmarshal(data, artifact); err != nil {
		return nil, WrapError(CodeValidation, err, "malformed %s artifact", artifact.Kind())
	}
	if err := artifact.Check(); err != nil {
		return nil, err
	}
	return artifact, nil
}
