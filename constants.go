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

// Package btps defines the protocol-level constants shared by every part of
// the BTPS (Billing Trust Protocol Secure) implementation: artifact and
// response type names, DNS discovery labels, and the component names used
// for logging.
package btps

import "strings"

// ProtocolVersion is the artifact wire version stamped on outgoing artifacts
// and accepted (same major) on incoming ones.
const ProtocolVersion = "1.0.0"

const (
	// ComponentKey is the attribute key used to identify the component
	// emitting a log line.
	ComponentKey = "btps.component"

	// ComponentServer is the TLS connection manager.
	ComponentServer = "server"

	// ComponentPipeline is the artifact verification pipeline.
	ComponentPipeline = "pipeline"

	// ComponentAuth is the agent authentication service.
	ComponentAuth = "auth"

	// ComponentClient is the artifact building and sending client.
	ComponentClient = "client"

	// ComponentResolver is the DNS identity and key resolver.
	ComponentResolver = "resolver"

	// ComponentStorage is the persistent JSON document store.
	ComponentStorage = "storage"

	// ComponentMiddleware is the middleware manager.
	ComponentMiddleware = "middleware"

	// ComponentDaemon is the btpsd host process.
	ComponentDaemon = "btpsd"
)

// Component generates a colon-joined component name, typically used to scope
// a logger to a subsystem, e.g. Component("server", "conn").
func Component(components ...string) string {
	return strings.Join(components, ":")
}

// Artifact types carried by transporter artifacts.
const (
	// ArtifactTypeTrustRequest asks the receiver to establish trust.
	ArtifactTypeTrustRequest = "TRUST_REQ"

	// ArtifactTypeTrustResponse carries the receiver's trust decision.
	ArtifactTypeTrustResponse = "TRUST_RES"

	// ArtifactTypeDoc carries a business document (invoice) and requires an
	// active trust record between sender and receiver.
	ArtifactTypeDoc = "BTPS_DOC"
)

// Control actions understood without authentication.
const (
	// ControlActionPing asks the server for a liveness acknowledgement.
	ControlActionPing = "PING"

	// ControlActionQuit asks the server to acknowledge and end the
	// connection.
	ControlActionQuit = "QUIT"
)

// Response types written back on the originating connection.
const (
	// ResponseTypeOK acknowledges successful processing.
	ResponseTypeOK = "btps_response"

	// ResponseTypeError reports a typed processing failure.
	ResponseTypeError = "btps_error"
)

// DNS discovery labels. Host records live at _btps.<domain>; key records at
// <selector>._btp.<username>.<domain>.
const (
	// HostRecordLabel is the subdomain label of host discovery TXT records.
	HostRecordLabel = "_btps"

	// KeyRecordLabel is the subdomain label of selector key TXT records.
	KeyRecordLabel = "_btp"

	// RecordVersion is the required v= token of BTPS TXT records. Records
	// with any other version are treated as absent.
	RecordVersion = "BTP1"
)

// Prometheus metric names registered by the server.
const (
	// MetricConnectionsAccepted counts accepted TLS connections.
	MetricConnectionsAccepted = "btps_connections_accepted_total"

	// MetricConnectionsActive gauges currently open connections.
	MetricConnectionsActive = "btps_connections_active"

	// MetricConnectionsRejected counts connections refused by the
	// per-IP connection limiter.
	MetricConnectionsRejected = "btps_connections_rejected_total"

	// MetricArtifactsProcessed counts parsed artifacts by kind.
	MetricArtifactsProcessed = "btps_artifacts_processed_total"

	// MetricErrors counts error responses by protocol code.
	MetricErrors = "btps_errors_total"

	// MetricResponseLatency observes seconds from line read to response
	// written.
	MetricResponseLatency = "btps_response_latency_seconds"
)

// AgentIDPrefix prefixes every minted agent identifier.
const AgentIDPrefix = "btps_ag_"

// BootstrapAgentID is the placeholder agent identifier an auth.request
// carries before the server mints a real one.
const BootstrapAgentID = AgentIDPrefix + "bootstrap"

// IdentitySeparator splits the account from the domain in a BTPS identity
// such as billing$example.com.
const IdentitySeparator = "$"
