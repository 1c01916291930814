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

package envelope

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"

	"github.com/gravitational/trace"
)

// DefaultRSABits is the key size minted for new identities and agents.
const DefaultRSABits = 2048

// GenerateKeyPair mints a fresh RSA signing key.
func GenerateKeyPair() (crypto.Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, DefaultRSABits)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}

// ParsePublicKey accepts a public key as PEM or as base64 standard encoded
// PKIX DER, the form keys travel in on the wire and in DNS records.
func ParsePublicKey(in string) (crypto.PublicKey, error) {
	in = strings.TrimSpace(in)
	if in == "" {
		return nil, trace.BadParameter("empty public key")
	}
	var der []byte
	if strings.HasPrefix(in, "-----BEGIN") {
		block, _ := pem.Decode([]byte(in))
		if block == nil {
			return nil, trace.BadParameter("invalid public key PEM")
		}
		der = block.Bytes
	} else {
		// DNS TXT values may arrive whitespace-joined across strings.
		compact := strings.Map(func(r rune) rune {
			if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
				return -1
			}
			return r
		}, in)
		var err error
		der, err = base64.StdEncoding.DecodeString(compact)
		if err != nil {
			return nil, trace.BadParameter("public key is neither PEM nor base64 DER: %v", err)
		}
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, trace.BadParameter("parsing public key: %v", err)
	}
	switch pub.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		return pub, nil
	}
	return nil, trace.BadParameter("unsupported public key type %T", pub)
}

// ParsePrivateKeyPEM parses a PKCS#8, PKCS#1, or SEC1 private key.
func ParsePrivateKeyPEM(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, trace.BadParameter("invalid private key PEM")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, trace.BadParameter("unsupported private key type %T", key)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, trace.BadParameter("private key is not PKCS#8, PKCS#1, or SEC1")
}

// EncodePublicKeyBase64 renders pub as base64 standard encoded PKIX DER.
func EncodePublicKeyBase64(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// EncodePublicKeyPEM renders pub as a PUBLIC KEY PEM block.
func EncodePublicKeyPEM(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// EncodePrivateKeyPEM renders key as a PKCS#8 PRIVATE KEY PEM block.
func EncodePrivateKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// Fingerprint computes the stable identifier of a public key: the base64
// standard encoding of the SHA-256 digest of its PKIX DER form. Rotating a
// key always changes its fingerprint.
func Fingerprint(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", trace.Wrap(err)
	}
	sum := sha256.Sum256(der)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// FingerprintKey parses the wire form of a public key and returns its
// fingerprint.
func FingerprintKey(in string) (string, error) {
	pub, err := ParsePublicKey(in)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return Fingerprint(pub)
}
