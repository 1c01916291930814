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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validInvoiceJSON() string {
	return `{
		"title": "March invoice",
		"id": "inv-2026-03-001",
		"issuedAt": "2026-03-01T10:00:00.000Z",
		"status": "unpaid",
		"totalAmount": {"value": 1250.50, "currency": "USD"},
		"lineItems": {
			"columns": ["description", "qty", "amount"],
			"rows": [{"description": "consulting", "qty": 10, "amount": 1250.50}]
		}
	}`
}

func validTransporterJSON(t *testing.T, mutate func(map[string]any)) []byte {
	t.Helper()
	artifact := map[string]any{
		"version":  "1.0.0",
		"id":       "f3b9a1c0-0000-4000-8000-000000000001",
		"issuedAt": "2026-03-01T10:00:00.000Z",
		"type":     "BTPS_DOC",
		"from":     "billing$vendor.example",
		"to":       "pay$customer.example",
		"selector": "btps1",
		"document": json.RawMessage(validInvoiceJSON()),
		"signature": map[string]any{
			"algorithmHash": "sha256",
			"value":         "c2lnbmF0dXJl",
			"fingerprint":   "ZmluZ2VycHJpbnQ=",
		},
		"encryption": nil,
	}
	if mutate != nil {
		mutate(artifact)
	}
	raw, err := json.Marshal(artifact)
	require.NoError(t, err)
	return raw
}

func TestParseArtifactDispatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		json string
		kind Kind
	}{
		{
			name: "transporter",
			json: string(validTransporterJSON(t, nil)),
			kind: KindTransporter,
		},
		{
			name: "control ping",
			json: `{"version":"1.0.0","id":"c1","issuedAt":"2026-03-01T10:00:00.000Z","action":"PING"}`,
			kind: KindControl,
		},
		{
			name: "control quit",
			json: `{"version":"1.0.0","id":"c2","issuedAt":"2026-03-01T10:00:00.000Z","action":"QUIT"}`,
			kind: KindControl,
		},
		{
			name: "agent",
			json: `{
				"id": "a1",
				"agentId": "btps_ag_123",
				"action": "system.ping",
				"to": "pay$customer.example",
				"issuedAt": "2026-03-01T10:00:00.000Z",
				"signature": {"algorithmHash":"sha256","value":"c2ln","fingerprint":"ZnA="},
				"encryption": null
			}`,
			kind: KindAgent,
		},
		{
			name: "identity lookup",
			json: `{
				"version": "1.0.0",
				"id": "l1",
				"issuedAt": "2026-03-01T10:00:00.000Z",
				"from": "billing$vendor.example",
				"identity": "pay$customer.example",
				"hostSelector": "btps1"
			}`,
			kind: KindIdentityLookup,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			artifact, err := ParseArtifact([]byte(tc.json))
			require.NoError(t, err)
			assert.Equal(t, tc.kind, artifact.Kind())
			assert.NotEmpty(t, artifact.ArtifactID())
		})
	}
}

func TestParseArtifactErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		json string
		code Code
	}{
		{
			name: "not json",
			json: `{"version": `,
			code: CodeInvalidJSON,
		},
		{
			name: "unrecognized shape",
			json: `{"hello": "world"}`,
			code: CodeValidation,
		},
		{
			name: "bad identity",
			json: string(validTransporterJSON(t, func(m map[string]any) {
				m["from"] = "no-separator.example"
			})),
			code: CodeIdentity,
		},
		{
			name: "unknown type",
			json: string(validTransporterJSON(t, func(m map[string]any) {
				m["type"] = "BTPS_NOPE"
			})),
			code: CodeValidation,
		},
		{
			name: "future major version",
			json: string(validTransporterJSON(t, func(m map[string]any) {
				m["version"] = "2.0.0"
			})),
			code: CodeValidation,
		},
		{
			name: "missing signature",
			json: string(validTransporterJSON(t, func(m map[string]any) {
				delete(m, "signature")
			})),
			code: CodeValidation,
		},
		{
			name: "unsupported cipher",
			json: string(validTransporterJSON(t, func(m map[string]any) {
				m["encryption"] = map[string]any{
					"algorithm":    "rot13",
					"encryptedKey": "a2V5",
					"iv":           "aXY=",
					"mode":         "standardEncrypt",
				}
				m["document"] = "ZW5jcnlwdGVk"
			})),
			code: CodeUnsupportedEncrypt,
		},
		{
			name: "encrypted document not a string",
			json: string(validTransporterJSON(t, func(m map[string]any) {
				m["encryption"] = map[string]any{
					"algorithm":    "aes-256-gcm",
					"encryptedKey": "a2V5",
					"iv":           "aXY=",
					"authTag":      "dGFn",
					"mode":         "standardEncrypt",
				}
			})),
			code: CodeValidation,
		},
		{
			name: "invoice with undeclared column",
			json: string(validTransporterJSON(t, func(m map[string]any) {
				m["document"] = json.RawMessage(`{
					"title": "x", "id": "i", "issuedAt": "2026-03-01T10:00:00.000Z",
					"status": "unpaid",
					"totalAmount": {"value": 1, "currency": "USD"},
					"lineItems": {"columns": ["a"], "rows": [{"b": 1}]}
				}`)
			})),
			code: CodeValidation,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseArtifact([]byte(tc.json))
			require.Error(t, err)
			assert.Equal(t, tc.code, CodeOf(err), "got %v", err)
		})
	}
}

func TestAgentArtifactDocumentRules(t *testing.T) {
	t.Parallel()

	agentJSON := func(action, document string) string {
		doc := "null"
		if document != "" {
			doc = document
		}
		return fmt.Sprintf(`{
			"id": "a1",
			"agentId": "btps_ag_123",
			"action": %q,
			"to": "pay$customer.example",
			"issuedAt": "2026-03-01T10:00:00.000Z",
			"document": %s,
			"signature": {"algorithmHash":"sha256","value":"c2ln","fingerprint":"ZnA="},
			"encryption": null
		}`, action, doc)
	}

	t.Run("fetch without document", func(t *testing.T) {
		t.Parallel()
		artifact, err := ParseArtifact([]byte(agentJSON("inbox.fetch", "")))
		require.NoError(t, err)
		assert.Equal(t, KindAgent, artifact.Kind())
	})

	t.Run("seen requires document", func(t *testing.T) {
		t.Parallel()
		_, err := ParseArtifact([]byte(agentJSON("inbox.seen", "")))
		require.Error(t, err)
		assert.Equal(t, CodeValidation, CodeOf(err))

		_, err = ParseArtifact([]byte(agentJSON("inbox.seen", `{"id": "m1"}`)))
		require.NoError(t, err)
	})

	t.Run("auth request document", func(t *testing.T) {
		t.Parallel()
		doc := `{
			"identity": "pay$customer.example",
			"authToken": "A1B2C3D4E5F6",
			"publicKey": "cHVibGljLWtleQ=="
		}`
		_, err := ParseArtifact([]byte(agentJSON("auth.request", doc)))
		require.NoError(t, err)
	})

	t.Run("encrypted auth request rejected", func(t *testing.T) {
		t.Parallel()
		raw := fmt.Sprintf(`{
			"id": "a1",
			"agentId": "btps_ag_123",
			"action": "auth.request",
			"to": "pay$customer.example",
			"issuedAt": "2026-03-01T10:00:00.000Z",
			"document": %q,
			"signature": {"algorithmHash":"sha256","value":"c2ln","fingerprint":"ZnA="},
			"encryption": {"algorithm":"aes-256-gcm","encryptedKey":"a2V5","iv":"aXY=","authTag":"dGFn","mode":"standardEncrypt"}
		}`, "ZW5jcnlwdGVk")
		_, err := ParseArtifact([]byte(raw))
		require.Error(t, err)
		assert.Equal(t, CodeValidation, CodeOf(err))
	})

	t.Run("unknown action", func(t *testing.T) {
		t.Parallel()
		_, err := ParseArtifact([]byte(agentJSON("mailbox.explode", "")))
		require.Error(t, err)
		assert.Equal(t, CodeValidation, CodeOf(err))
	})
}

func TestValidIdentity(t *testing.T) {
	t.Parallel()

	valid := []string{
		"billing$vendor.example",
		"a$b.co",
		"finance.team$sub.domain.example.com",
	}
	for _, s := range valid {
		assert.True(t, ValidIdentity(s), "expected %q to be valid", s)
	}

	invalid := []string{
		"",
		"noseparator.example",
		"user$nodot",
		"user$$double.example",
		"user name$domain.example",
		"$domain.example",
		"user$",
	}
	for _, s := range invalid {
		assert.False(t, ValidIdentity(s), "expected %q to be invalid", s)
	}
}

func TestActionSets(t *testing.T) {
	t.Parallel()

	// Every action in a behavior set must be a defined action.
	for a := range actionsRequiringDocument {
		assert.True(t, ValidAction(a), "requires-document set has unknown action %q", a)
	}
	for a := range immediateActions {
		assert.True(t, ValidAction(a), "immediate set has unknown action %q", a)
	}

	// Cross-domain trust establishment is relayed, not answered locally.
	assert.False(t, Immediate(ActionTrustRequest))
	assert.False(t, Immediate(ActionTrustRespond))
	assert.True(t, Immediate(ActionSystemPing))
	assert.True(t, Immediate(ActionAuthRequest))

	assert.True(t, RequiresDocument(ActionArtifactSend))
	assert.False(t, RequiresDocument(ActionInboxFetch))
}
