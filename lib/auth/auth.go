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

// Package auth manages agent sessions: the one-time auth tokens an
// operator hands to a device out of band, the per-device trust records
// minted when a token is redeemed, and the rotating refresh tokens that
// keep a session alive afterwards.
package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/btps-protocol/btps"
	"github.com/btps-protocol/btps/lib/defaults"
	"github.com/btps-protocol/btps/lib/envelope"
	"github.com/btps-protocol/btps/lib/tokens"
	"github.com/btps-protocol/btps/lib/trust"
	"github.com/btps-protocol/btps/lib/wire"
)

// Config configures a Service.
type Config struct {
	// TrustStore persists the per-agent trust records sessions mint.
	TrustStore trust.Store
	// TokenStore persists auth and refresh tokens.
	TokenStore tokens.Store
	// AuthTokenTTL bounds how long a minted auth token may sit unredeemed.
	AuthTokenTTL time.Duration
	// RefreshTokenTTL is the lifetime of each issued refresh token and of
	// the session it extends.
	RefreshTokenTTL time.Duration
	// AuthTokenLength and AuthTokenAlphabet shape minted auth tokens.
	AuthTokenLength   int
	AuthTokenAlphabet string
	// Clock supplies timestamps.
	Clock clockwork.Clock
	// Logger emits session diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.TrustStore == nil {
		return trace.BadParameter("auth: TrustStore is required")
	}
	if c.TokenStore == nil {
		return trace.BadParameter("auth: TokenStore is required")
	}
	if c.AuthTokenTTL == 0 {
		c.AuthTokenTTL = defaults.AuthTokenTTL
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = defaults.RefreshTokenTTL
	}
	if c.AuthTokenLength == 0 {
		c.AuthTokenLength = defaults.AuthTokenLength
	}
	if c.AuthTokenAlphabet == "" {
		c.AuthTokenAlphabet = defaults.AuthTokenAlphabet
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(btps.ComponentKey, btps.ComponentAuth)
	}
	return nil
}

// Service implements agent session management. It satisfies the
// pipeline's AuthService seam.
type Service struct {
	cfg Config
}

// NewService returns a Service.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{cfg: cfg}, nil
}

// IssueParams describes an auth token to mint or store.
type IssueParams struct {
	// UserIdentity is the account the token lets a device join.
	UserIdentity string
	// DecryptBy names the identity whose key protects documents destined
	// for the device, optional.
	DecryptBy string
	// TTL overrides the configured auth token lifetime when positive.
	TTL time.Duration
	// Metadata is copied onto the stored token.
	Metadata map[string]any
}

// IssueAuthToken mints a fresh one-time auth token for the given user and
// stores it. The operator relays the returned value to the device out of
// band.
func (s *Service) IssueAuthToken(ctx context.Context, params IssueParams) (string, error) {
	token, err := envelope.GenerateAuthToken(s.cfg.AuthTokenLength, s.cfg.AuthTokenAlphabet)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if _, err := s.StoreAuthToken(ctx, token, params); err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// StoreAuthToken stores a caller-supplied auth token for the given user.
// Redeeming it later requires presenting both the token and the user
// identity it was minted for.
func (s *Service) StoreAuthToken(ctx context.Context, token string, params IssueParams) (*tokens.Record, error) {
	if token == "" {
		return nil, trace.BadParameter("auth token is empty")
	}
	if !wire.ValidIdentity(params.UserIdentity) {
		return nil, wire.NewError(wire.CodeIdentity, "user identity %q is not a valid identity", params.UserIdentity)
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = s.cfg.AuthTokenTTL
	}
	record, err := s.cfg.TokenStore.Store(ctx, tokens.StoreParams{
		Token:        token,
		Holder:       params.UserIdentity,
		UserIdentity: params.UserIdentity,
		TTL:          ttl,
		DecryptBy:    params.DecryptBy,
		Metadata:     params.Metadata,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.cfg.Logger.InfoContext(ctx, "stored auth token",
		"user_identity", params.UserIdentity, "expires_at", record.ExpiresAt)
	return record, nil
}

// ValidateAuthToken redeems a one-time auth token. The token is consumed
// whether or not the caller goes on to create an agent; a second
// presentation fails.
func (s *Service) ValidateAuthToken(ctx context.Context, userIdentity, token string) (*tokens.Record, error) {
	record, err := s.cfg.TokenStore.Get(ctx, userIdentity, token)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, wire.NewError(wire.CodeAuthenticationInvalid, "auth token is invalid or expired")
		}
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.TokenStore.Remove(ctx, userIdentity, token); err != nil {
		if trace.IsNotFound(err) {
			// Lost a race with a concurrent redemption. Single use means
			// exactly one winner.
			return nil, wire.NewError(wire.CodeAuthenticationInvalid, "auth token is invalid or expired")
		}
		return nil, trace.Wrap(err)
	}
	return record, nil
}

// Session is an established agent session: the id the device signs
// artifacts with, the refresh token that renews it, and the wire-form
// instant both expire.
type Session struct {
	AgentID      string
	RefreshToken string
	ExpiresAt    string
	DecidedBy    string
}

// CreateAgentParams describes the device joining a user's account.
type CreateAgentParams struct {
	// UserIdentity is the account the device acts for.
	UserIdentity string
	// PublicKey is the device signing key, base64 DER or PEM.
	PublicKey string
	// AgentInfo carries free-form device facts onto the trust record.
	AgentInfo wire.AgentInfo
	// DecidedBy names who authorized the session, defaults to the user.
	DecidedBy string
	// PrivacyType sets the record's document privacy expectation,
	// optional.
	PrivacyType wire.PrivacyType
	// TrustExpiry overrides the session lifetime when positive.
	TrustExpiry time.Duration
}

// CreateAgent mints an agent id for a device, records an accepted trust
// relationship from that id to the user, and issues the session's first
// refresh token.
func (s *Service) CreateAgent(ctx context.Context, params CreateAgentParams) (*Session, error) {
	if !wire.ValidIdentity(params.UserIdentity) {
		return nil, wire.NewError(wire.CodeIdentity, "user identity %q is not a valid identity", params.UserIdentity)
	}
	pub, err := envelope.ParsePublicKey(params.PublicKey)
	if err != nil {
		return nil, wire.WrapError(wire.CodeValidation, err, "agent public key does not parse")
	}
	keyBase64, err := envelope.EncodePublicKeyBase64(pub)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	fingerprint, err := envelope.Fingerprint(pub)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	decidedBy := params.DecidedBy
	if decidedBy == "" {
		decidedBy = params.UserIdentity
	}
	ttl := params.TrustExpiry
	if ttl <= 0 {
		ttl = s.cfg.RefreshTokenTTL
	}
	agentID := envelope.NewAgentID()
	now := s.cfg.Clock.Now()
	record := &trust.Record{
		ID:                   trust.ComputeID(agentID, params.UserIdentity),
		SenderID:             agentID,
		ReceiverID:           params.UserIdentity,
		Status:               trust.StatusAccepted,
		CreatedAt:            wire.FormatTime(now),
		DecidedBy:            decidedBy,
		DecidedAt:            wire.FormatTime(now),
		ExpiresAt:            wire.FormatTime(now.Add(ttl)),
		PublicKeyBase64:      keyBase64,
		PublicKeyFingerprint: fingerprint,
		PrivacyType:          params.PrivacyType,
	}
	if len(params.AgentInfo) > 0 {
		record.Metadata = map[string]any{"agentInfo": map[string]any(params.AgentInfo)}
	}
	if _, err := s.cfg.TrustStore.Create(ctx, record); err != nil {
		return nil, trace.Wrap(err)
	}

	refresh, err := envelope.GenerateRefreshToken()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.cfg.TokenStore.Store(ctx, tokens.StoreParams{
		Token:        refresh,
		Holder:       agentID,
		UserIdentity: params.UserIdentity,
		TTL:          ttl,
	}); err != nil {
		if derr := s.cfg.TrustStore.Delete(ctx, record.ID); derr != nil {
			s.cfg.Logger.WarnContext(ctx, "failed to roll back agent trust record",
				"agent_id", agentID, "error", derr)
		}
		return nil, trace.Wrap(err)
	}

	s.cfg.Logger.InfoContext(ctx, "created agent session",
		"agent_id", agentID, "user_identity", params.UserIdentity)
	return &Session{
		AgentID:      agentID,
		RefreshToken: refresh,
		ExpiresAt:    record.ExpiresAt,
		DecidedBy:    decidedBy,
	}, nil
}

// RefreshParams carries the optional updates a session refresh may apply.
type RefreshParams struct {
	// PublicKey rotates the device signing key when set. The prior key's
	// fingerprint moves into the trust record's history.
	PublicKey string
	// AgentInfo replaces the device facts on the trust record when set.
	AgentInfo wire.AgentInfo
}

// ValidateAndReissueRefreshToken redeems a refresh token and issues its
// successor, sliding the session's expiry forward. The old token is
// consumed; presenting it again fails.
func (s *Service) ValidateAndReissueRefreshToken(ctx context.Context, agentID, refreshToken string, params RefreshParams) (*Session, error) {
	token, err := s.cfg.TokenStore.Get(ctx, agentID, refreshToken)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, wire.NewError(wire.CodeAuthenticationInvalid, "refresh token is invalid or expired")
		}
		return nil, trace.Wrap(err)
	}
	record, err := s.cfg.TrustStore.GetByID(ctx, trust.ComputeID(agentID, token.UserIdentity))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, wire.NewError(wire.CodeAuthenticationInvalid, "agent session has been revoked")
		}
		return nil, trace.Wrap(err)
	}
	now := s.cfg.Clock.Now()
	if !record.IsActive(now) {
		return nil, wire.NewError(wire.CodeAuthenticationInvalid, "agent session is no longer active")
	}

	patch := trust.Patch{ExpiresAt: ref(wire.FormatTime(now.Add(s.cfg.RefreshTokenTTL)))}
	if params.PublicKey != "" {
		pub, err := envelope.ParsePublicKey(params.PublicKey)
		if err != nil {
			return nil, wire.WrapError(wire.CodeValidation, err, "rotated public key does not parse")
		}
		keyBase64, err := envelope.EncodePublicKeyBase64(pub)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		rotated := record.Clone()
		if err := rotated.RotateKey(keyBase64, now); err != nil {
			return nil, trace.Wrap(err)
		}
		if rotated.PublicKeyFingerprint != record.PublicKeyFingerprint {
			patch.PublicKeyBase64 = &rotated.PublicKeyBase64
			patch.PublicKeyFingerprint = &rotated.PublicKeyFingerprint
			patch.KeyHistory = &rotated.KeyHistory
			s.cfg.Logger.InfoContext(ctx, "rotated agent key",
				"agent_id", agentID, "fingerprint", rotated.PublicKeyFingerprint)
		}
	}
	if len(params.AgentInfo) > 0 {
		patch.Metadata = map[string]any{"agentInfo": map[string]any(params.AgentInfo)}
	}
	record, err = s.cfg.TrustStore.Update(ctx, record.ID, patch)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if err := s.cfg.TokenStore.Remove(ctx, agentID, refreshToken); err != nil {
		if trace.IsNotFound(err) {
			// Lost a race with a concurrent refresh.
			return nil, wire.NewError(wire.CodeAuthenticationInvalid, "refresh token is invalid or expired")
		}
		return nil, trace.Wrap(err)
	}
	refresh, err := envelope.GenerateRefreshToken()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.cfg.TokenStore.Store(ctx, tokens.StoreParams{
		Token:        refresh,
		Holder:       agentID,
		UserIdentity: token.UserIdentity,
		TTL:          s.cfg.RefreshTokenTTL,
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	return &Session{
		AgentID:      agentID,
		RefreshToken: refresh,
		ExpiresAt:    record.ExpiresAt,
		DecidedBy:    record.DecidedBy,
	}, nil
}

// RevokeAgent ends a device's session: the trust record flips to revoked
// and every token the agent still holds is removed. Artifacts signed by
// the agent stop verifying immediately.
func (s *Service) RevokeAgent(ctx context.Context, userIdentity, agentID string) error {
	id := trust.ComputeID(agentID, userIdentity)
	now := s.cfg.Clock.Now()
	if _, err := s.cfg.TrustStore.Update(ctx, id, trust.Patch{
		Status:    ref(trust.StatusRevoked),
		DecidedBy: &userIdentity,
		DecidedAt: ref(wire.FormatTime(now)),
	}); err != nil {
		return trace.Wrap(err)
	}
	held, err := s.cfg.TokenStore.GetTokensByUser(ctx, userIdentity)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, token := range held {
		if token.Holder != agentID {
			continue
		}
		if err := s.cfg.TokenStore.Remove(ctx, token.Holder, token.Token); err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
	}
	s.cfg.Logger.InfoContext(ctx, "revoked agent session",
		"agent_id", agentID, "user_identity", userIdentity)
	return nil
}

// HandleAuthRequest redeems the one-time auth token inside an
// auth.request artifact and establishes the device's session. The
// pipeline has already verified the artifact signature against the
// document's embedded public key.
func (s *Service) HandleAuthRequest(ctx context.Context, artifact *wire.AgentArtifact) (*wire.AuthResponseDocument, error) {
	if artifact.Encryption != nil {
		return nil, wire.NewError(wire.CodeValidation, "auth documents must be sent in cleartext")
	}
	var doc wire.AuthRequestDocument
	if err := json.Unmarshal(artifact.Document, &doc); err != nil {
		return nil, wire.WrapError(wire.CodeValidation, err, "auth.request document does not parse")
	}
	if err := doc.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if doc.Identity != artifact.To {
		return nil, wire.NewError(wire.CodeAuthenticationInvalid,
			"auth identity %q does not match artifact recipient %q", doc.Identity, artifact.To)
	}
	if _, err := s.ValidateAuthToken(ctx, doc.Identity, doc.AuthToken); err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := s.CreateAgent(ctx, CreateAgentParams{
		UserIdentity: doc.Identity,
		PublicKey:    doc.PublicKey,
		AgentInfo:    doc.AgentInfo,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &wire.AuthResponseDocument{
		AgentID:      session.AgentID,
		RefreshToken: session.RefreshToken,
		ExpiresAt:    session.ExpiresAt,
		DecidedBy:    session.DecidedBy,
	}, nil
}

// HandleAuthRefresh redeems the refresh token inside an auth.refresh
// artifact. The pipeline has already verified the artifact signature
// against the session's current trust record, so a stolen refresh token
// alone cannot renew a session.
func (s *Service) HandleAuthRefresh(ctx context.Context, artifact *wire.AgentArtifact) (*wire.AuthResponseDocument, error) {
	if artifact.Encryption != nil {
		return nil, wire.NewError(wire.CodeValidation, "auth documents must be sent in cleartext")
	}
	var doc wire.AuthRefreshDocument
	if err := json.Unmarshal(artifact.Document, &doc); err != nil {
		return nil, wire.WrapError(wire.CodeValidation, err, "auth.refresh document does not parse")
	}
	if err := doc.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := s.ValidateAndReissueRefreshToken(ctx, artifact.AgentID, doc.AuthToken, RefreshParams{
		PublicKey: doc.PublicKey,
		AgentInfo: doc.AgentInfo,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &wire.AuthResponseDocument{
		AgentID:      session.AgentID,
		RefreshToken: session.RefreshToken,
		ExpiresAt:    session.ExpiresAt,
		DecidedBy:    session.DecidedBy,
	}, nil
}

func ref[T any](v T) *T { return &v }
