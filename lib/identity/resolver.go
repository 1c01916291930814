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

package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/btps-protocol/btps"
	"github.com/btps-protocol/btps/lib/defaults"
	"github.com/btps-protocol/btps/lib/envelope"
	"github.com/btps-protocol/btps/lib/wire"
)

// LookupTXTFunc issues a TXT query for name.
type LookupTXTFunc = func(ctx context.Context, name string) ([]string, error)

// HostRecord is the parsed _btps discovery record of a domain.
type HostRecord struct {
	// Host is the server host name or address.
	Host string
	// Port is the server port.
	Port int
	// Selector names the host server's currently published signing key.
	Selector string
}

// Addr returns the dialable host:port form.
func (r *HostRecord) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// KeyType names the algorithm family of a published key.
type KeyType string

const (
	KeyTypeRSA     KeyType = "rsa"
	KeyTypeEd25519 KeyType = "ed25519"
	KeyTypeECDSA   KeyType = "ecdsa"
)

// KeyRecord is the parsed selector key record of an identity.
type KeyRecord struct {
	// PEM is the published public key in PEM form for in-process use.
	PEM []byte
	// Base64 is the wire form, base64 standard encoded PKIX DER.
	Base64 string
	// Type is the algorithm family.
	Type KeyType
	// Fingerprint is the stable key identifier.
	Fingerprint string
	// Selector names the record this key was published under.
	Selector string
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// Lookup issues TXT queries. Defaults to net.DefaultResolver.
	Lookup LookupTXTFunc
	// Clock drives cache expiry.
	Clock clockwork.Clock
	// CacheTTL bounds reuse of resolved records. The stdlib resolver does
	// not expose record TTLs, so this is a flat default.
	CacheTTL time.Duration
	// RecordTTL, when set, supplies a per-record TTL from the raw TXT
	// values, for resolvers that do know real TTLs. Zero falls back to
	// CacheTTL.
	RecordTTL func(name string, records []string) time.Duration
	// Logger emits resolution diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ResolverConfig) CheckAndSetDefaults() error {
	if c.Lookup == nil {
		c.Lookup = net.DefaultResolver.LookupTXT
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = defaults.ResolverCacheTTL
	}
	if c.CacheTTL < 0 {
		return trace.BadParameter("resolver: CacheTTL must not be negative")
	}
	if c.Logger == nil {
		c.Logger = slog.With(btps.ComponentKey, btps.ComponentResolver)
	}
	return nil
}

// Resolver resolves BTPS discovery records with TTL caching and query
// collapsing.
type Resolver struct {
	cfg   ResolverConfig
	cache *ttlCache
}

// NewResolver returns a Resolver with the given config.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Resolver{cfg: cfg, cache: newTTLCache(cfg.Clock)}, nil
}

// ResolveHost locates the BTPS server of the identity's domain from the
// _btps.<domain> TXT record.
func (r *Resolver) ResolveHost(ctx context.Context, id Identity) (*HostRecord, error) {
	name := id.HostRecordName()
	v, err := r.cache.do(name, func() (any, time.Duration, error) {
		records, err := r.lookup(ctx, name, wire.CodeResolveDNS)
		if err != nil {
			return nil, 0, trace.Wrap(err)
		}
		rec, err := parseHostRecord(records)
		if err != nil {
			return nil, 0, trace.Wrap(err)
		}
		return rec, r.recordTTL(name, records), nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return v.(*HostRecord), nil
}

// ResolvePublicKey fetches the identity's published key for a selector
// from the <selector>._btp.<username>.<domain> TXT record.
func (r *Resolver) ResolvePublicKey(ctx context.Context, id Identity, selector string) (*KeyRecord, error) {
	if selector == "" {
		return nil, wire.NewError(wire.CodeSelectorNotFound, "no selector given for %s", id)
	}
	name := id.KeyRecordName(selector)
	v, err := r.cache.do(name, func() (any, time.Duration, error) {
		records, err := r.lookup(ctx, name, wire.CodeSelectorNotFound)
		if err != nil {
			return nil, 0, trace.Wrap(err)
		}
		rec, err := parseKeyRecord(records, selector)
		if err != nil {
			return nil, 0, trace.Wrap(err)
		}
		return rec, r.recordTTL(name, records), nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return v.(*KeyRecord), nil
}

// Flush drops all cached records, forcing fresh lookups. Useful around
// key rotation.
func (r *Resolver) Flush() {
	r.cache.flush()
}

func (r *Resolver) recordTTL(name string, records []string) time.Duration {
	if r.cfg.RecordTTL != nil {
		if ttl := r.cfg.RecordTTL(name, records); ttl > 0 {
			return ttl
		}
	}
	return r.cfg.CacheTTL
}

// lookup runs the TXT query, mapping absence to notFoundCode and transport
// failures to RESOLVE_DNS.
func (r *Resolver) lookup(ctx context.Context, name string, notFoundCode wire.Code) ([]string, error) {
	records, err := r.cfg.Lookup(ctx, name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, wire.NewError(notFoundCode, "no TXT record at %s", name)
		}
		r.cfg.Logger.WarnContext(ctx, "TXT lookup failed", "name", name, "error", err)
		return nil, wire.WrapError(wire.CodeResolveDNS, err, "looking up %s", name)
	}
	if len(records) == 0 {
		return nil, wire.NewError(notFoundCode, "no TXT record at %s", name)
	}
	return records, nil
}

// parseTags splits a TXT value of "k=v; k=v" pairs. Unknown keys are kept
// so callers can ignore them; duplicate keys keep the first value.
func parseTags(record string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(record, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if _, dup := tags[k]; !dup {
			tags[k] = strings.TrimSpace(v)
		}
	}
	return tags
}

// btpsRecords filters TXT values down to those versioned v=BTP1. Records
// with a different version tag are treated as absent.
func btpsRecords(records []string) []map[string]string {
	var out []map[string]string
	for _, rec := range records {
		tags := parseTags(rec)
		if tags["v"] == btps.RecordVersion {
			out = append(out, tags)
		}
	}
	return out
}

func parseHostRecord(records []string) (*HostRecord, error) {
	tagged := btpsRecords(records)
	if len(tagged) == 0 {
		return nil, wire.NewError(wire.CodeResolveDNS, "no %s host record found", btps.RecordVersion)
	}
	tags := tagged[0]
	u := tags["u"]
	if u == "" {
		return nil, wire.NewError(wire.CodeResolveDNS, "host record has no u= endpoint")
	}
	u = strings.TrimPrefix(u, "btps://")
	host, portStr, err := net.SplitHostPort(u)
	if err != nil {
		host, portStr = u, ""
	}
	if host == "" {
		return nil, wire.NewError(wire.CodeResolveDNS, "host record endpoint %q has no host", tags["u"])
	}
	port := defaults.Port
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, wire.NewError(wire.CodeResolveDNS, "host record endpoint %q has an invalid port", tags["u"])
		}
	}
	return &HostRecord{Host: host, Port: port, Selector: tags["s"]}, nil
}

func parseKeyRecord(records []string, selector string) (*KeyRecord, error) {
	tagged := btpsRecords(records)
	if len(tagged) == 0 {
		return nil, wire.NewError(wire.CodeSelectorNotFound, "selector %q has no %s key record", selector, btps.RecordVersion)
	}
	tags := tagged[0]
	p := tags["p"]
	if p == "" {
		return nil, wire.NewError(wire.CodeResolvePubKey, "key record has no p= key material")
	}
	pub, err := envelope.ParsePublicKey(p)
	if err != nil {
		return nil, wire.WrapError(wire.CodeResolvePubKey, err, "key record for selector %q", selector)
	}
	var kty KeyType
	switch pub.(type) {
	case *rsa.PublicKey:
		kty = KeyTypeRSA
	case ed25519.PublicKey:
		kty = KeyTypeEd25519
	case *ecdsa.PublicKey:
		kty = KeyTypeECDSA
	default:
		return nil, wire.NewError(wire.CodeResolvePubKey, "unsupported key type %T", pub)
	}
	if declared := tags["k"]; declared != "" && KeyType(declared) != kty {
		return nil, wire.NewError(wire.CodeResolvePubKey,
			"key record declares k=%s but the key is %s", declared, kty)
	}
	pemBytes, err := envelope.EncodePublicKeyPEM(pub)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	b64, err := envelope.EncodePublicKeyBase64(pub)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	fp, err := envelope.Fingerprint(pub)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &KeyRecord{
		PEM:         pemBytes,
		Base64:      b64,
		Type:        kty,
		Fingerprint: fp,
		Selector:    selector,
	}, nil
}
