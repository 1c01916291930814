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

package pipeline

import (
	"context"
	"crypto"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btps-protocol/btps"
	"github.com/btps-protocol/btps/lib/envelope"
	"github.com/btps-protocol/btps/lib/identity"
	"github.com/btps-protocol/btps/lib/middleware"
	"github.com/btps-protocol/btps/lib/trust"
	"github.com/btps-protocol/btps/lib/wire"
)

const (
	alice    = "alice$a.example"
	bob      = "bob$b.example"
	selector = "btps1"
)

// fakeResolver serves published keys from memory instead of DNS.
type fakeResolver struct {
	mu   sync.Mutex
	keys map[string]*identity.KeyRecord
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{keys: make(map[string]*identity.KeyRecord)}
}

func (f *fakeResolver) publish(t *testing.T, id, sel string, pub crypto.PublicKey) {
	t.Helper()
	b64, err := envelope.EncodePublicKeyBase64(pub)
	require.NoError(t, err)
	fp, err := envelope.Fingerprint(pub)
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[id+"|"+sel] = &identity.KeyRecord{
		Base64:      b64,
		Type:        identity.KeyTypeRSA,
		Fingerprint: fp,
		Selector:    sel,
	}
}

func (f *fakeResolver) ResolvePublicKey(ctx context.Context, id identity.Identity, sel string) (*identity.KeyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.keys[id.String()+"|"+sel]
	if !ok {
		return nil, wire.NewError(wire.CodeSelectorNotFound,
			"no key published for %s under selector %s", id, sel)
	}
	return key, nil
}

// frameRecorder captures everything the pipeline writes.
type frameRecorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *frameRecorder) WriteFrame(ctx context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, append([]byte(nil), payload...))
	return nil
}

type testEnv struct {
	pipeline *Pipeline
	resolver *fakeResolver
	trusts   *trust.MemoryStore
	clock    *clockwork.FakeClock
	mw       *middleware.Manager
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	resolver := newFakeResolver()
	trusts, err := trust.NewMemoryStore(trust.MemoryConfig{Clock: clock})
	require.NoError(t, err)
	mw, err := middleware.NewManager(middleware.Config{})
	require.NoError(t, err)

	cfg := Config{
		Resolver:   resolver,
		TrustStore: trusts,
		Middleware: mw,
		Clock:      clock,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return &testEnv{pipeline: p, resolver: resolver, trusts: trusts, clock: clock, mw: mw}
}

// serve runs one line through the pipeline and returns the single
// response frame it produced.
func (e *testEnv) serve(t *testing.T, raw []byte) *wire.Response {
	t.Helper()
	rec := &frameRecorder{}
	err := e.pipeline.Serve(context.Background(), raw, rec, ConnMeta{RemoteAddr: "198.51.100.7:50000"})
	require.NoError(t, err)
	require.Len(t, rec.frames, 1, "exactly one response frame per request")
	var resp wire.Response
	require.NoError(t, json.Unmarshal(rec.frames[0], &resp))
	return &resp
}

func newRSASigner(t *testing.T) crypto.Signer {
	t.Helper()
	key, err := envelope.GenerateKeyPair()
	require.NoError(t, err)
	return key
}

// signRaw marshals v without a signature, signs the canonical bytes, and
// returns the signed wire line exactly as a client would produce it.
func signRaw(t *testing.T, key crypto.Signer, v any) []byte {
	t.Helper()
	unsigned, err := json.Marshal(v)
	require.NoError(t, err)
	payload, err := envelope.SigningBytes(unsigned, "signature")
	require.NoError(t, err)
	sig, err := envelope.SignPayload(key, payload)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(unsigned, &fields))
	sigRaw, err := json.Marshal(sig)
	require.NoError(t, err)
	fields["signature"] = sigRaw
	signed, err := json.Marshal(fields)
	require.NoError(t, err)
	return signed
}

func (e *testEnv) now() string {
	return wire.FormatTime(e.clock.Now())
}

func (e *testEnv) trustRequestLine(t *testing.T, key crypto.Signer, from, to string) []byte {
	t.Helper()
	doc, err := json.Marshal(&wire.TrustRequestDocument{
		Name:        "Finance Dept",
		Email:       "finance@a.example",
		Reason:      "invoice delivery",
		Phone:       "+15550100",
		PrivacyType: wire.PrivacyMixed,
	})
	require.NoError(t, err)
	return signRaw(t, key, &wire.TransporterArtifact{
		Version:  btps.ProtocolVersion,
		ID:       uuid.NewString(),
		IssuedAt: e.now(),
		Type:     btps.ArtifactTypeTrustRequest,
		From:     from,
		To:       to,
		Selector: selector,
		Document: doc,
	})
}

func (e *testEnv) trustResponseLine(t *testing.T, key crypto.Signer, from, to string, decision wire.TrustDecision) []byte {
	t.Helper()
	doc, err := json.Marshal(&wire.TrustResponseDocument{
		Decision:  decision,
		DecidedAt: e.now(),
		DecidedBy: from,
	})
	require.NoError(t, err)
	return signRaw(t, key, &wire.TransporterArtifact{
		Version:  btps.ProtocolVersion,
		ID:       uuid.NewString(),
		IssuedAt: e.now(),
		Type:     btps.ArtifactTypeTrustResponse,
		From:     from,
		To:       to,
		Selector: selector,
		Document: doc,
	})
}

func (e *testEnv) invoiceLine(t *testing.T, key crypto.Signer, from, to, sel string) []byte {
	t.Helper()
	doc, err := json.Marshal(&wire.InvoiceDocument{
		Title:       "March services",
		ID:          uuid.NewString(),
		IssuedAt:    e.now(),
		Status:      wire.InvoiceUnpaid,
		TotalAmount: wire.Money{Value: 1250.50, Currency: "USD"},
		LineItems: wire.LineItems{
			Columns: []string{"description", "amount"},
			Rows:    []map[string]any{{"description": "consulting", "amount": 1250.50}},
		},
	})
	require.NoError(t, err)
	return signRaw(t, key, &wire.TransporterArtifact{
		Version:  btps.ProtocolVersion,
		ID:       uuid.NewString(),
		IssuedAt: e.now(),
		Type:     btps.ArtifactTypeDoc,
		From:     from,
		To:       to,
		Selector: sel,
		Document: doc,
	})
}

func TestTrustHandshake(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	aliceKey := newRSASigner(t)
	bobKey := newRSASigner(t)
	env.resolver.publish(t, alice, selector, aliceKey.Public())
	env.resolver.publish(t, bob, selector, bobKey.Public())

	// Alice asks Bob for trust; the server leaves a pending record.
	resp := env.serve(t, env.trustRequestLine(t, aliceKey, alice, bob))
	require.NoError(t, resp.Err())
	assert.Equal(t, 200, resp.Status.Code)
	assert.Equal(t, btps.ResponseTypeOK, resp.Type)
	assert.NotEmpty(t, resp.ReqID)

	record, err := env.trusts.GetByID(context.Background(), trust.ComputeID(alice, bob))
	require.NoError(t, err)
	assert.Equal(t, trust.StatusPending, record.Status)
	assert.Equal(t, wire.PrivacyMixed, record.PrivacyType)
	assert.NotEmpty(t, record.PublicKeyFingerprint)

	// A document before the decision is refused.
	resp = env.serve(t, env.invoiceLine(t, aliceKey, alice, bob, selector))
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeTrustNonExistent))
	assert.Equal(t, 403, resp.Status.Code)

	// Bob accepts; the record flips and the document is delivered.
	resp = env.serve(t, env.trustResponseLine(t, bobKey, bob, alice, wire.DecisionAccepted))
	require.NoError(t, resp.Err())

	record, err = env.trusts.GetByID(context.Background(), trust.ComputeID(alice, bob))
	require.NoError(t, err)
	assert.Equal(t, trust.StatusAccepted, record.Status)
	assert.Equal(t, bob, record.DecidedBy)

	resp = env.serve(t, env.invoiceLine(t, aliceKey, alice, bob, selector))
	require.NoError(t, resp.Err())

	// A second request against the active relationship is refused.
	resp = env.serve(t, env.trustRequestLine(t, aliceKey, alice, bob))
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeTrustAlreadyActive))
	assert.Equal(t, 403, resp.Status.Code)
}

func TestTrustRequestRetryGate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	aliceKey := newRSASigner(t)
	env.resolver.publish(t, alice, selector, aliceKey.Public())

	// Bob rejected Alice and set a retry date a week out.
	_, err := env.trusts.Create(context.Background(), &trust.Record{
		ID:             trust.ComputeID(alice, bob),
		SenderID:       alice,
		ReceiverID:     bob,
		Status:         trust.StatusRejected,
		CreatedAt:      env.now(),
		RetryAfterDate: wire.FormatTime(env.clock.Now().Add(7 * 24 * time.Hour)),
	})
	require.NoError(t, err)

	resp := env.serve(t, env.trustRequestLine(t, aliceKey, alice, bob))
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeTrustNotAllowed))

	// Past the retry date the request reopens the record as pending.
	env.clock.Advance(8 * 24 * time.Hour)
	resp = env.serve(t, env.trustRequestLine(t, aliceKey, alice, bob))
	require.NoError(t, resp.Err())

	record, err := env.trusts.GetByID(context.Background(), trust.ComputeID(alice, bob))
	require.NoError(t, err)
	assert.Equal(t, trust.StatusPending, record.Status)
	assert.Empty(t, record.DecidedBy)
	assert.Empty(t, record.RetryAfterDate)
}

func TestBlockedSender(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	aliceKey := newRSASigner(t)
	env.resolver.publish(t, alice, selector, aliceKey.Public())

	_, err := env.trusts.Create(context.Background(), &trust.Record{
		ID:         trust.ComputeID(alice, bob),
		SenderID:   alice,
		ReceiverID: bob,
		Status:     trust.StatusBlocked,
		CreatedAt:  env.now(),
	})
	require.NoError(t, err)

	resp := env.serve(t, env.trustRequestLine(t, aliceKey, alice, bob))
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeTrustBlocked))

	resp = env.serve(t, env.invoiceLine(t, aliceKey, alice, bob, selector))
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeTrustBlocked))
}

func TestUntrustedDelivery(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	senderKey := newRSASigner(t)
	env.resolver.publish(t, "c$y.example", selector, senderKey.Public())

	resp := env.serve(t, env.invoiceLine(t, senderKey, "c$y.example", bob, selector))
	assert.Equal(t, btps.ResponseTypeError, resp.Type)
	assert.Equal(t, 403, resp.Status.Code)
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeTrustNonExistent))
	assert.Contains(t, resp.Status.Message, "trust record does not exist")
}

func TestKeyRotation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	key1 := newRSASigner(t)
	key2 := newRSASigner(t)
	env.resolver.publish(t, alice, "btps1", key1.Public())

	_, err := env.trusts.Create(context.Background(), &trust.Record{
		ID:         trust.ComputeID(alice, bob),
		SenderID:   alice,
		ReceiverID: bob,
		Status:     trust.StatusAccepted,
		CreatedAt:  env.now(),
	})
	require.NoError(t, err)

	// Signed under the original selector.
	resp := env.serve(t, env.invoiceLine(t, key1, alice, bob, "btps1"))
	require.NoError(t, resp.Err())

	// Alice publishes btps2 and signs with the new key; the old selector
	// keeps resolving, so in-flight btps1 artifacts still verify.
	env.resolver.publish(t, alice, "btps2", key2.Public())
	resp = env.serve(t, env.invoiceLine(t, key2, alice, bob, "btps2"))
	require.NoError(t, resp.Err())
	resp = env.serve(t, env.invoiceLine(t, key1, alice, bob, "btps1"))
	require.NoError(t, resp.Err())

	// The new key under the old selector is a fingerprint mismatch.
	resp = env.serve(t, env.invoiceLine(t, key2, alice, bob, "btps1"))
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeSigMismatch))

	// A selector nobody published does not resolve.
	resp = env.serve(t, env.invoiceLine(t, key1, alice, bob, "btps9"))
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeSelectorNotFound))
}

func TestTamperedSignature(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	aliceKey := newRSASigner(t)
	env.resolver.publish(t, alice, selector, aliceKey.Public())

	line := env.trustRequestLine(t, aliceKey, alice, bob)
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(line, &fields))
	fields["to"] = json.RawMessage(`"mallory$m.example"`)
	tampered, err := json.Marshal(fields)
	require.NoError(t, err)

	resp := env.serve(t, tampered)
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeSigVerification))
	assert.Equal(t, 403, resp.Status.Code)
}

func TestInvalidJSON(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	resp := env.serve(t, []byte(`{"type": "TRUST_REQ", truncated`))
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeInvalidJSON))
	assert.Equal(t, 400, resp.Status.Code)
	assert.Empty(t, resp.ReqID)
}

func TestControlArtifacts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	for _, action := range []string{btps.ControlActionPing, btps.ControlActionQuit} {
		line, err := json.Marshal(map[string]any{
			"version":  btps.ProtocolVersion,
			"id":       uuid.NewString(),
			"issuedAt": env.now(),
			"action":   action,
		})
		require.NoError(t, err)
		resp := env.serve(t, line)
		require.NoError(t, resp.Err(), "control %s", action)
		assert.Equal(t, 200, resp.Status.Code)
	}
}

type fakeDirectory struct {
	record *wire.IdentityRecordDocument
}

func (f *fakeDirectory) LookupIdentity(ctx context.Context, id, sel string) (*wire.IdentityRecordDocument, error) {
	if f.record == nil || f.record.Identity != id {
		return nil, wire.NewError(wire.CodeIdentity, "%s is not hosted here", id)
	}
	return f.record, nil
}

func TestIdentityLookup(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{record: &wire.IdentityRecordDocument{
		Identity:  bob,
		Selector:  selector,
		PublicKey: "ZmFrZS1rZXk=",
		Version:   btps.ProtocolVersion,
	}}
	env := newTestEnv(t, func(cfg *Config) { cfg.Directory = dir })

	line, err := json.Marshal(map[string]any{
		"version":      btps.ProtocolVersion,
		"id":           uuid.NewString(),
		"issuedAt":     env.now(),
		"from":         alice,
		"identity":     bob,
		"hostSelector": selector,
	})
	require.NoError(t, err)

	resp := env.serve(t, line)
	require.NoError(t, resp.Err())
	var doc wire.IdentityRecordDocument
	require.NoError(t, json.Unmarshal(resp.Document, &doc))
	assert.Equal(t, bob, doc.Identity)
	assert.Equal(t, "ZmFrZS1rZXk=", doc.PublicKey)

	// An identity the directory does not host is refused.
	line, err = json.Marshal(map[string]any{
		"version":      btps.ProtocolVersion,
		"id":           uuid.NewString(),
		"issuedAt":     env.now(),
		"from":         alice,
		"identity":     "nobody$b.example",
		"hostSelector": selector,
	})
	require.NoError(t, err)
	resp = env.serve(t, line)
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeIdentity))
}

// agentSession seeds an accepted agent trust record the way a completed
// auth.request would have.
func agentSession(t *testing.T, env *testEnv, agentID, owner string, pub crypto.PublicKey) {
	t.Helper()
	b64, err := envelope.EncodePublicKeyBase64(pub)
	require.NoError(t, err)
	fp, err := envelope.Fingerprint(pub)
	require.NoError(t, err)
	_, err = env.trusts.Create(context.Background(), &trust.Record{
		ID:                   trust.ComputeID(agentID, owner),
		SenderID:             agentID,
		ReceiverID:           owner,
		Status:               trust.StatusAccepted,
		CreatedAt:            env.now(),
		DecidedBy:            owner,
		PublicKeyBase64:      b64,
		PublicKeyFingerprint: fp,
	})
	require.NoError(t, err)
}

func (e *testEnv) agentLine(t *testing.T, key crypto.Signer, agentID string, action wire.Action, doc any) []byte {
	t.Helper()
	a := &wire.AgentArtifact{
		ID:       uuid.NewString(),
		AgentID:  agentID,
		Action:   action,
		To:       alice,
		IssuedAt: e.now(),
	}
	if doc != nil {
		raw, err := json.Marshal(doc)
		require.NoError(t, err)
		a.Document = raw
	}
	return signRaw(t, key, a)
}

func TestAgentAction(t *testing.T) {
	t.Parallel()

	agentID := envelope.NewAgentID()
	agentKey := newRSASigner(t)

	var seen *Event
	env := newTestEnv(t, func(cfg *Config) {
		cfg.OnArtifact = func(ctx context.Context, evt *Event, res middleware.Responder) error {
			seen = evt
			// Immediate action answered synchronously with a document.
			resp, err := wire.NewDocumentResponse(cfg.Clock, evt.Artifact.ArtifactID(),
				map[string]any{"results": []any{}})
			if err != nil {
				return err
			}
			return res.SendResponse(ctx, resp)
		}
	})
	agentSession(t, env, agentID, alice, agentKey.Public())

	resp := env.serve(t, env.agentLine(t, agentKey, agentID, wire.ActionInboxFetch, nil))
	require.NoError(t, resp.Err())
	require.NotNil(t, seen)
	assert.True(t, seen.IsValid)
	assert.True(t, seen.IsTrusted)
	assert.NotNil(t, resp.Document, "synchronous handler response carries the document")

	// A signature from a key other than the session key is refused.
	otherKey := newRSASigner(t)
	resp = env.serve(t, env.agentLine(t, otherKey, agentID, wire.ActionInboxFetch, nil))
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeSigMismatch))

	// An unknown agent has no session.
	resp = env.serve(t, env.agentLine(t, agentKey, envelope.NewAgentID(), wire.ActionInboxFetch, nil))
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeTrustNonExistent))
}

func TestAgentDefaultAck(t *testing.T) {
	t.Parallel()

	agentID := envelope.NewAgentID()
	agentKey := newRSASigner(t)
	env := newTestEnv(t)
	agentSession(t, env, agentID, alice, agentKey.Public())

	// No bus handler: the pipeline acknowledges on its own.
	resp := env.serve(t, env.agentLine(t, agentKey, agentID, wire.ActionInboxFetch, nil))
	require.NoError(t, resp.Err())
	assert.Equal(t, 200, resp.Status.Code)
	assert.Nil(t, resp.Document)
}

type fakeAuth struct {
	requests  int
	refreshes int
	doc       *wire.AuthResponseDocument
	err       error
}

func (f *fakeAuth) HandleAuthRequest(ctx context.Context, a *wire.AgentArtifact) (*wire.AuthResponseDocument, error) {
	f.requests++
	return f.doc, f.err
}

func (f *fakeAuth) HandleAuthRefresh(ctx context.Context, a *wire.AgentArtifact) (*wire.AuthResponseDocument, error) {
	f.refreshes++
	return f.doc, f.err
}

func TestAuthRequestDispatch(t *testing.T) {
	t.Parallel()

	agentID := envelope.NewAgentID()
	auth := &fakeAuth{doc: &wire.AuthResponseDocument{
		AgentID:      agentID,
		RefreshToken: "dGVzdC1yZWZyZXNo",
		ExpiresAt:    "2026-03-08T10:00:00.000Z",
	}}
	env := newTestEnv(t, func(cfg *Config) { cfg.Auth = auth })

	// auth.request carries its own key; the signature proves possession.
	deviceKey := newRSASigner(t)
	pub, err := envelope.EncodePublicKeyBase64(deviceKey.Public())
	require.NoError(t, err)
	line := env.agentLine(t, deviceKey, "btps_ag_bootstrap", wire.ActionAuthRequest, &wire.AuthRequestDocument{
		Identity:  alice,
		AuthToken: "YDVKSEU4CEEW",
		PublicKey: pub,
	})

	resp := env.serve(t, line)
	require.NoError(t, resp.Err())
	assert.Equal(t, 1, auth.requests)

	var doc wire.AuthResponseDocument
	require.NoError(t, json.Unmarshal(resp.Document, &doc))
	assert.Equal(t, agentID, doc.AgentID)
	assert.NotEmpty(t, doc.RefreshToken)

	// A signature under a key other than the declared one is refused
	// before the auth service ever runs.
	otherKey := newRSASigner(t)
	line = env.agentLine(t, otherKey, "btps_ag_bootstrap", wire.ActionAuthRequest, &wire.AuthRequestDocument{
		Identity:  alice,
		AuthToken: "YDVKSEU4CEEW",
		PublicKey: pub,
	})
	resp = env.serve(t, line)
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeSigMismatch))
	assert.Equal(t, 1, auth.requests)
}

func TestAuthServiceErrorSurfaces(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{err: wire.NewError(wire.CodeAuthenticationInvalid, "auth token not found")}
	env := newTestEnv(t, func(cfg *Config) { cfg.Auth = auth })

	deviceKey := newRSASigner(t)
	pub, err := envelope.EncodePublicKeyBase64(deviceKey.Public())
	require.NoError(t, err)
	line := env.agentLine(t, deviceKey, "btps_ag_bootstrap", wire.ActionAuthRequest, &wire.AuthRequestDocument{
		Identity:  alice,
		AuthToken: "SPENT0TOKEN0",
		PublicKey: pub,
	})

	resp := env.serve(t, line)
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeAuthenticationInvalid))
	assert.Equal(t, 403, resp.Status.Code)
}

func TestDelegatedArtifact(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	aliceKey := newRSASigner(t)
	attestorKey := newRSASigner(t)
	agentKey := newRSASigner(t)
	env.resolver.publish(t, alice, selector, aliceKey.Public())
	env.resolver.publish(t, "hr$employer.example", selector, attestorKey.Public())

	_, err := env.trusts.Create(context.Background(), &trust.Record{
		ID:         trust.ComputeID(alice, bob),
		SenderID:   alice,
		ReceiverID: bob,
		Status:     trust.StatusAccepted,
		CreatedAt:  env.now(),
	})
	require.NoError(t, err)

	agentPub, err := envelope.EncodePublicKeyBase64(agentKey.Public())
	require.NoError(t, err)
	d := &wire.Delegation{
		AgentID:     envelope.NewAgentID(),
		AgentPubKey: agentPub,
		SignedBy:    alice,
		IssuedAt:    env.now(),
		Selector:    selector,
	}
	attBytes, err := envelope.AttestationSigningBytes(d)
	require.NoError(t, err)
	attSig, err := envelope.SignPayload(attestorKey, attBytes)
	require.NoError(t, err)
	d.Attestation = &wire.Attestation{Signature: *attSig, SignedBy: "hr$employer.example", Selector: selector}
	delBytes, err := envelope.DelegationSigningBytes(d)
	require.NoError(t, err)
	d.Signature, err = envelope.SignPayload(aliceKey, delBytes)
	require.NoError(t, err)

	doc, err := json.Marshal(&wire.InvoiceDocument{
		Title:       "Payroll",
		ID:          uuid.NewString(),
		IssuedAt:    env.now(),
		Status:      wire.InvoiceUnpaid,
		TotalAmount: wire.Money{Value: 10, Currency: "USD"},
		LineItems:   wire.LineItems{Columns: []string{"n"}, Rows: []map[string]any{{"n": 1}}},
	})
	require.NoError(t, err)
	artifact := &wire.TransporterArtifact{
		Version:    btps.ProtocolVersion,
		ID:         uuid.NewString(),
		IssuedAt:   env.now(),
		Type:       btps.ArtifactTypeDoc,
		From:       alice,
		To:         bob,
		Selector:   selector,
		Document:   doc,
		Delegation: d,
	}

	// The delegated device signs the artifact with the agent key.
	resp := env.serve(t, signRaw(t, agentKey, artifact))
	require.NoError(t, resp.Err())

	// Signing with the identity key instead of the delegated key breaks
	// the binding between delegation and outer signature.
	resp = env.serve(t, signRaw(t, aliceKey, artifact))
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeDelegationInvalid))

	// A delegation forged for another agent key fails the delegator's
	// signature. No attestation here, so the delegation check itself is
	// what trips.
	forged := *d
	forged.Attestation = nil
	forgedKey := newRSASigner(t)
	forged.AgentPubKey, err = envelope.EncodePublicKeyBase64(forgedKey.Public())
	require.NoError(t, err)
	artifact.Delegation = &forged
	resp = env.serve(t, signRaw(t, forgedKey, artifact))
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeDelegationSigVerification))

	// A tampered attestation fails its verification.
	tamperedAtt := *d
	tamperedAtt.Attestation = &wire.Attestation{
		Signature: d.Attestation.Signature,
		SignedBy:  alice,
	}
	artifact.Delegation = &tamperedAtt
	resp = env.serve(t, signRaw(t, agentKey, artifact))
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeAttestationVerification))
}

func TestMiddlewareShortCircuit(t *testing.T) {
	t.Parallel()

	var sent []string
	var reachedLater bool
	env := newTestEnv(t)
	require.NoError(t, env.mw.Use(middleware.Definition{
		Name:  "limiter",
		Phase: middleware.PhaseBefore,
		Step:  middleware.StepParsing,
		Handler: middleware.RawHandler(func(ctx context.Context, mc *middleware.RawContext, res middleware.Responder, next middleware.Next) error {
			return res.SendError(ctx, wire.NewError(wire.CodeRateLimiter, "Too many requests"))
		}),
		OnResponseSent: func(ctx context.Context, resp *wire.Response) {
			sent = append(sent, resp.Type)
		},
	}))
	require.NoError(t, env.mw.Use(middleware.Definition{
		Name:  "later",
		Phase: middleware.PhaseAfter,
		Step:  middleware.StepParsing,
		Handler: middleware.ParsedHandler(func(ctx context.Context, mc *middleware.ParsedContext, res middleware.Responder, next middleware.Next) error {
			reachedLater = true
			return next(ctx)
		}),
	}))

	resp := env.serve(t, []byte(`{"not": "even parsed"}`))
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeRateLimiter))
	assert.Equal(t, 429, resp.Status.Code)
	assert.False(t, reachedLater, "chains after a sent response must not run")
	assert.Equal(t, []string{btps.ResponseTypeError}, sent, "onResponseSent fires exactly once")
}

func TestMiddlewareSilentEndGetsAck(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	require.NoError(t, env.mw.Use(middleware.Definition{
		Name:  "swallow",
		Phase: middleware.PhaseBefore,
		Step:  middleware.StepParsing,
		Handler: middleware.RawHandler(func(ctx context.Context, mc *middleware.RawContext, res middleware.Responder, next middleware.Next) error {
			// Neither next nor a response: the chain ends here.
			return nil
		}),
	}))

	resp := env.serve(t, []byte(`{"garbage": true}`))
	require.NoError(t, resp.Err())
	assert.Equal(t, 200, resp.Status.Code)
}

func TestHandlerPanicBecomesUnknown(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	require.NoError(t, env.mw.Use(middleware.Definition{
		Name:  "boom",
		Phase: middleware.PhaseBefore,
		Step:  middleware.StepParsing,
		Handler: middleware.RawHandler(func(ctx context.Context, mc *middleware.RawContext, res middleware.Responder, next middleware.Next) error {
			panic("unexpected")
		}),
	}))

	resp := env.serve(t, []byte(`{}`))
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeUnknown))
	assert.Equal(t, 500, resp.Status.Code)
}

func TestDeadlineBecomesSocketTimeout(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *Config) {
		cfg.OnArtifact = func(ctx context.Context, evt *Event, res middleware.Responder) error {
			return context.DeadlineExceeded
		}
	})
	aliceKey := newRSASigner(t)
	env.resolver.publish(t, alice, selector, aliceKey.Public())
	_, err := env.trusts.Create(context.Background(), &trust.Record{
		ID:         trust.ComputeID(alice, bob),
		SenderID:   alice,
		ReceiverID: bob,
		Status:     trust.StatusAccepted,
		CreatedAt:  env.now(),
	})
	require.NoError(t, err)

	resp := env.serve(t, env.invoiceLine(t, aliceKey, alice, bob, selector))
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeSocketTimeout))
	assert.Equal(t, 408, resp.Status.Code)
}

func TestSignedResponses(t *testing.T) {
	t.Parallel()

	serverKey := newRSASigner(t)
	env := newTestEnv(t, func(cfg *Config) {
		cfg.SigningKey = serverKey
		cfg.ServerIdentity = "server$b.example"
		cfg.Selector = selector
	})

	line, err := json.Marshal(map[string]any{
		"version":  btps.ProtocolVersion,
		"id":       uuid.NewString(),
		"issuedAt": env.now(),
		"action":   btps.ControlActionPing,
	})
	require.NoError(t, err)

	rec := &frameRecorder{}
	require.NoError(t, env.pipeline.Serve(context.Background(), line, rec, ConnMeta{}))
	require.Len(t, rec.frames, 1)

	var resp wire.Response
	require.NoError(t, json.Unmarshal(rec.frames[0], &resp))
	assert.Equal(t, "server$b.example", resp.SignedBy)
	assert.Equal(t, selector, resp.Selector)
	require.NotNil(t, resp.Signature)

	// The signature verifies over the raw response bytes, so any relay
	// can check it without re-serializing.
	require.NoError(t, envelope.Verify(serverKey.Public(), rec.frames[0], resp.Signature))
}

func TestPrivacyEnforcement(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	aliceKey := newRSASigner(t)
	env.resolver.publish(t, alice, selector, aliceKey.Public())
	_, err := env.trusts.Create(context.Background(), &trust.Record{
		ID:          trust.ComputeID(alice, bob),
		SenderID:    alice,
		ReceiverID:  bob,
		Status:      trust.StatusAccepted,
		CreatedAt:   env.now(),
		PrivacyType: wire.PrivacyEncrypted,
	})
	require.NoError(t, err)

	// The relationship requires encryption; a cleartext document is
	// refused after its signature verified.
	resp := env.serve(t, env.invoiceLine(t, aliceKey, alice, bob, selector))
	assert.True(t, wire.IsCode(resp.Err(), wire.CodeTrustNotAllowed))
	assert.Equal(t, 403, resp.Status.Code)
}
