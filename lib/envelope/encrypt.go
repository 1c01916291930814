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
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"

	"github.com/gravitational/trace"

	"github.com/btps-protocol/btps/lib/wire"
)

const (
	symmetricKeySize = 32
	gcmNonceSize     = 12
	gcmTagSize       = 16
)

// EncryptDocument encrypts doc for a recipient: a fresh AES-256 key
// encrypts the document, and the key itself is wrapped with RSA-OAEP
// SHA-256 under the recipient's public key. The returned string is the
// base64 document payload placed on the wire.
func EncryptDocument(recipient crypto.PublicKey, doc []byte, alg wire.EncryptionAlgorithm, mode wire.EncryptionMode) (string, *wire.Encryption, error) {
	rsaPub, ok := recipient.(*rsa.PublicKey)
	if !ok {
		return "", nil, wire.NewError(wire.CodeUnsupportedEncrypt,
			"document encryption requires an RSA recipient key, got %T", recipient)
	}
	switch mode {
	case wire.ModeStandardEncrypt, wire.Mode2FAEncrypt:
	default:
		return "", nil, wire.NewError(wire.CodeUnsupportedEncrypt, "unsupported encryption mode %q", mode)
	}

	key := make([]byte, symmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return "", nil, trace.Wrap(err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}

	enc := &wire.Encryption{Algorithm: alg, Mode: mode}
	var ciphertext []byte
	switch alg {
	case wire.EncryptionAES256GCM:
		iv := make([]byte, gcmNonceSize)
		if _, err := rand.Read(iv); err != nil {
			return "", nil, trace.Wrap(err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return "", nil, trace.Wrap(err)
		}
		sealed := gcm.Seal(nil, iv, doc, nil)
		ciphertext = sealed[:len(sealed)-gcmTagSize]
		enc.IV = base64.StdEncoding.EncodeToString(iv)
		enc.AuthTag = base64.StdEncoding.EncodeToString(sealed[len(sealed)-gcmTagSize:])
	case wire.EncryptionAES256CBC:
		iv := make([]byte, aes.BlockSize)
		if _, err := rand.Read(iv); err != nil {
			return "", nil, trace.Wrap(err)
		}
		padded := padPKCS7(doc, aes.BlockSize)
		ciphertext = make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
		enc.IV = base64.StdEncoding.EncodeToString(iv)
	default:
		return "", nil, wire.NewError(wire.CodeUnsupportedEncrypt, "unsupported encryption algorithm %q", alg)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaPub, key, nil)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	enc.EncryptedKey = base64.StdEncoding.EncodeToString(wrapped)
	return base64.StdEncoding.EncodeToString(ciphertext), enc, nil
}

// DecryptDocument unwraps the symmetric key with the recipient's private
// key and decrypts the document payload. Failures to unwrap or open the
// ciphertext report DECRYPTION_UNINTENDED: the document was not encrypted
// for this key.
func DecryptDocument(recipient crypto.Signer, payload string, enc *wire.Encryption) ([]byte, error) {
	if enc == nil {
		return nil, trace.BadParameter("document is not encrypted")
	}
	if err := enc.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	rsaKey, ok := recipient.(*rsa.PrivateKey)
	if !ok {
		return nil, wire.NewError(wire.CodeDecryptionUnintended,
			"document key was not wrapped for this key type")
	}

	wrapped, err := base64.StdEncoding.DecodeString(enc.EncryptedKey)
	if err != nil {
		return nil, wire.NewError(wire.CodeValidation, "encryptedKey is not valid base64")
	}
	iv, err := base64.StdEncoding.DecodeString(enc.IV)
	if err != nil {
		return nil, wire.NewError(wire.CodeValidation, "iv is not valid base64")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, wire.NewError(wire.CodeValidation, "encrypted document is not valid base64")
	}

	key, err := rsa.DecryptOAEP(sha256.New(), nil, rsaKey, wrapped, nil)
	if err != nil || len(key) != symmetricKeySize {
		return nil, wire.NewError(wire.CodeDecryptionUnintended,
			"document key does not unwrap with this key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	switch enc.Algorithm {
	case wire.EncryptionAES256GCM:
		tag, err := base64.StdEncoding.DecodeString(enc.AuthTag)
		if err != nil {
			return nil, wire.NewError(wire.CodeValidation, "authTag is not valid base64")
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if len(iv) != gcm.NonceSize() {
			return nil, wire.NewError(wire.CodeValidation, "iv has wrong size for aes-256-gcm")
		}
		doc, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
		if err != nil {
			return nil, wire.NewError(wire.CodeDecryptionUnintended, "document does not authenticate")
		}
		return doc, nil
	case wire.EncryptionAES256CBC:
		if len(iv) != aes.BlockSize {
			return nil, wire.NewError(wire.CodeValidation, "iv has wrong size for aes-256-cbc")
		}
		if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
			return nil, wire.NewError(wire.CodeValidation, "ciphertext is not block aligned")
		}
		plaintext := make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
		doc, err := unpadPKCS7(plaintext, aes.BlockSize)
		if err != nil {
			return nil, wire.NewError(wire.CodeDecryptionUnintended, "document padding is invalid")
		}
		return doc, nil
	}
	return nil, wire.NewError(wire.CodeUnsupportedEncrypt, "unsupported encryption algorithm %q", enc.Algorithm)
}

func padPKCS7(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, trace.BadParameter("invalid padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, trace.BadParameter("invalid padding byte %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, trace.BadParameter("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
