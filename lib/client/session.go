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

package client

import (
	"context"
	"crypto"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"

	"github.com/btps-protocol/btps"
	"github.com/btps-protocol/btps/lib/envelope"
	"github.com/btps-protocol/btps/lib/wire"
)

// Session is an agent's standing with its home server: the minted agent
// id, the key artifacts are signed with, and the refresh token that
// renews the session before ExpiresAt.
type Session struct {
	// AgentID identifies the device on the server.
	AgentID string
	// UserIdentity is the delegating user the session acts for.
	UserIdentity string
	// RefreshToken renews the session. Single use.
	RefreshToken string
	// ExpiresAt is when the refresh token lapses.
	ExpiresAt time.Time
	// Key signs the session's artifacts.
	Key crypto.Signer
}

// Authenticate exchanges a one-time auth token for an agent session. The
// request is signed with key, whose public half travels in the document
// so the server can bind it to the minted agent.
func (c *Client) Authenticate(ctx context.Context, userIdentity, authToken string, key crypto.Signer, info wire.AgentInfo) (*Session, error) {
	if key == nil {
		return nil, trace.BadParameter("client: Authenticate requires a device key")
	}
	pub, err := envelope.EncodePublicKeyBase64(key.Public())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	line, err := c.builder.BuildAgent(ctx, AgentParams{
		AgentID: btps.BootstrapAgentID,
		Action:  wire.ActionAuthRequest,
		To:      userIdentity,
		Document: &wire.AuthRequestDocument{
			Identity:  userIdentity,
			AuthToken: authToken,
			PublicKey: pub,
			AgentInfo: info,
		},
		Key: key,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := c.Send(ctx, Envelope{To: userIdentity, Line: line})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sessionFromResponse(resp, userIdentity, key)
}

// RefreshSession spends the session's refresh token and returns the
// renewed session. Passing a non-nil newKey rotates the device key; the
// request itself is still signed with the current key, which stays in
// force unless the server accepts the rotation.
func (c *Client) RefreshSession(ctx context.Context, s *Session, newKey crypto.Signer, info wire.AgentInfo) (*Session, error) {
	if s == nil || s.Key == nil {
		return nil, trace.BadParameter("client: RefreshSession requires an established session")
	}
	doc := &wire.AuthRefreshDocument{
		Identity:  s.UserIdentity,
		AuthToken: s.RefreshToken,
		AgentInfo: info,
	}
	if newKey != nil {
		pub, err := envelope.EncodePublicKeyBase64(newKey.Public())
		if err != nil {
			return nil, trace.Wrap(err)
		}
		doc.PublicKey = pub
	}
	line, err := c.builder.BuildAgent(ctx, AgentParams{
		AgentID:  s.AgentID,
		Action:   wire.ActionAuthRefresh,
		To:       s.UserIdentity,
		Document: doc,
		Key:      s.Key,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := c.Send(ctx, Envelope{To: s.UserIdentity, Line: line})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	next, err := sessionFromResponse(resp, s.UserIdentity, s.Key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if newKey != nil {
		next.Key = newKey
	}
	return next, nil
}

// SendAgentAction performs one action under an established session and
// returns the server's response.
func (c *Client) SendAgentAction(ctx context.Context, s *Session, action wire.Action, doc any) (*wire.Response, error) {
	if s == nil || s.Key == nil {
		return nil, trace.BadParameter("client: SendAgentAction requires an established session")
	}
	line, err := c.builder.BuildAgent(ctx, AgentParams{
		AgentID:  s.AgentID,
		Action:   action,
		To:       s.UserIdentity,
		Document: doc,
		Key:      s.Key,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return c.Send(ctx, Envelope{To: s.UserIdentity, Line: line})
}

func sessionFromResponse(resp *wire.Response, userIdentity string, key crypto.Signer) (*Session, error) {
	if err := resp.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(resp.Document) == 0 {
		return nil, wire.NewError(wire.CodeValidation, "auth response carries no document")
	}
	var doc wire.AuthResponseDocument
	if err := json.Unmarshal(resp.Document, &doc); err != nil {
		return nil, wire.WrapError(wire.CodeInvalidJSON, err, "auth response document does not parse")
	}
	if err := doc.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	expires, err := wire.ParseTime(doc.ExpiresAt)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Session{
		AgentID:      doc.AgentID,
		UserIdentity: userIdentity,
		RefreshToken: doc.RefreshToken,
		ExpiresAt:    expires,
		Key:          key,
	}, nil
}
