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

// Package middleware runs operator-supplied handlers around the stages of
// artifact processing. Handlers attach to a (phase, step) pair and see a
// context struct carrying exactly the fields that stage has established;
// a handler continues the chain by calling next, or ends it by responding
// through the Responder. Once a response is sent nothing later runs.
package middleware

import (
	"context"

	"github.com/btps-protocol/btps/lib/wire"
)

// Phase places a handler before or after its step's own work.
type Phase string

const (
	PhaseBefore Phase = "before"
	PhaseAfter  Phase = "after"
)

// ValidPhase reports whether p is a known phase.
func ValidPhase(p Phase) bool {
	return p == PhaseBefore || p == PhaseAfter
}

// Step names a pipeline stage handlers can attach to.
type Step string

const (
	StepParsing               Step = "parsing"
	StepSignatureVerification Step = "signatureVerification"
	StepTrustVerification     Step = "trustVerification"
	StepOnArtifact            Step = "onArtifact"
	StepOnError               Step = "onError"
)

// ValidStep reports whether s is a known step.
func ValidStep(s Step) bool {
	switch s {
	case StepParsing, StepSignatureVerification, StepTrustVerification,
		StepOnArtifact, StepOnError:
		return true
	}
	return false
}

// Responder writes the single response of the current request.
// Implementations must refuse a second send.
type Responder interface {
	// SendResponse writes resp as this request's response.
	SendResponse(ctx context.Context, resp *wire.Response) error
	// SendError writes an error response derived from err.
	SendError(ctx context.Context, err error) error
	// Sent reports whether a response went out already.
	Sent() bool
}

// Next continues the remainder of the current chain.
type Next func(ctx context.Context) error

// RawContext is what parsing/before handlers observe: the request line
// before any interpretation.
type RawContext struct {
	// RawPacket is the request line without its trailing newline.
	RawPacket []byte
	// RemoteAddr is the peer's address.
	RemoteAddr string
}

// ParsedContext is observed after parsing and before signature
// verification: the artifact is structurally valid, nothing is proven.
type ParsedContext struct {
	Artifact   wire.Artifact
	RemoteAddr string
}

// SignatureContext is observed after signature verification and before
// trust verification.
type SignatureContext struct {
	Artifact wire.Artifact
	// IsValid reports whether the artifact's signature verified.
	IsValid    bool
	RemoteAddr string
}

// TrustContext is observed after trust verification.
type TrustContext struct {
	Artifact wire.Artifact
	// IsTrusted reports whether an active trust relationship authorized
	// the artifact.
	IsTrusted  bool
	RemoteAddr string
}

// ArtifactContext is observed around dispatch, with the full outcome of
// the verification stages.
type ArtifactContext struct {
	Artifact   wire.Artifact
	IsValid    bool
	IsTrusted  bool
	RemoteAddr string
}

// ErrorContext is observed when processing fails. Artifact is nil when
// the failure happened before parsing completed.
type ErrorContext struct {
	Artifact   wire.Artifact
	Err        error
	RemoteAddr string
}

// Handler is one of the six step-typed handler funcs. Which one a
// definition must carry follows from its (phase, step); the manager
// rejects mismatches at load time.
type Handler any

// The step-typed handler signatures.
type (
	RawHandler       func(ctx context.Context, mc *RawContext, res Responder, next Next) error
	ParsedHandler    func(ctx context.Context, mc *ParsedContext, res Responder, next Next) error
	SignatureHandler func(ctx context.Context, mc *SignatureContext, res Responder, next Next) error
	TrustHandler     func(ctx context.Context, mc *TrustContext, res Responder, next Next) error
	ArtifactHandler  func(ctx context.Context, mc *ArtifactContext, res Responder, next Next) error
	ErrorHandler     func(ctx context.Context, mc *ErrorContext, res Responder, next Next) error
)
