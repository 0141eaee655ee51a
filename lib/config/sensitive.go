// Feedgate
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"os"
	"strings"

	"github.com/gravitational/trace"
)

// Security level prefixes of sensitive configuration values.
const (
	prefixPlain      = "pl:"
	prefixObfuscated = "obf:"
	prefixEncrypted  = "pkc:"
)

// SensitiveValueCodec encodes and decodes prefix-tagged configuration
// values: "pl:" plaintext, "obf:" locally obfuscated with an AES-GCM key
// kept next to the state directory, and "pkc:" encrypted to the server's
// RSA keypair. Values without a recognized prefix are plaintext.
type SensitiveValueCodec struct {
	aesKey []byte
	rsaKey *rsa.PrivateKey
}

// NewSensitiveValueCodec returns a codec. aesKey enables "obf:" values
// (32 bytes), rsaKey enables "pkc:" values; either may be nil, decoding
// a value of a disabled scheme fails.
func NewSensitiveValueCodec(aesKey []byte, rsaKey *rsa.PrivateKey) (*SensitiveValueCodec, error) {
	if aesKey != nil && len(aesKey) != 32 {
		return nil, trace.BadParameter("obfuscation key must be 32 bytes, got %d", len(aesKey))
	}
	return &SensitiveValueCodec{aesKey: aesKey, rsaKey: rsaKey}, nil
}

// LoadOrCreateObfuscationKey reads the AES key at path, generating and
// persisting a fresh one on first use.
func LoadOrCreateObfuscationKey(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, trace.BadParameter("corrupt obfuscation key file %q", path)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, trace.ConvertSystemError(err)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, trace.Wrap(err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return key, nil
}

// NeedsObfuscationKey reports whether any raw value in view is
// obfuscated, meaning decoding requires the local key.
func NeedsObfuscationKey(view map[string]string) bool {
	for _, v := range view {
		if strings.HasPrefix(v, prefixObfuscated) {
			return true
		}
	}
	return false
}

// EncodePlain tags value as plaintext.
func (c *SensitiveValueCodec) EncodePlain(value string) string {
	return prefixPlain + value
}

// EncodeObfuscated seals value with the local AES-GCM key.
func (c *SensitiveValueCodec) EncodeObfuscated(value string) (string, error) {
	if c.aesKey == nil {
		return "", trace.BadParameter("no obfuscation key configured")
	}
	gcm, err := newGCM(c.aesKey)
	if err != nil {
		return "", trace.Wrap(err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", trace.Wrap(err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(value), nil)
	return prefixObfuscated + base64.StdEncoding.EncodeToString(sealed), nil
}

// EncodeEncrypted seals value to the RSA public key.
func (c *SensitiveValueCodec) EncodeEncrypted(value string) (string, error) {
	if c.rsaKey == nil {
		return "", trace.BadParameter("no RSA keypair configured")
	}
	sealed, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &c.rsaKey.PublicKey, []byte(value), nil)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return prefixEncrypted + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decode recovers the sensitive value from its tagged encoding.
func (c *SensitiveValueCodec) Decode(raw string) (string, error) {
	switch {
	case strings.HasPrefix(raw, prefixPlain):
		return raw[len(prefixPlain):], nil
	case strings.HasPrefix(raw, prefixObfuscated):
		if c.aesKey == nil {
			return "", trace.BadParameter("obfuscated value but no obfuscation key configured")
		}
		sealed, err := base64.StdEncoding.DecodeString(raw[len(prefixObfuscated):])
		if err != nil {
			return "", trace.BadParameter("corrupt obfuscated value")
		}
		gcm, err := newGCM(c.aesKey)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if len(sealed) < gcm.NonceSize() {
			return "", trace.BadParameter("corrupt obfuscated value")
		}
		plain, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
		if err != nil {
			return "", trace.BadParameter("cannot decode obfuscated value")
		}
		return string(plain), nil
	case strings.HasPrefix(raw, prefixEncrypted):
		if c.rsaKey == nil {
			return "", trace.BadParameter("encrypted value but no RSA keypair configured")
		}
		sealed, err := base64.StdEncoding.DecodeString(raw[len(prefixEncrypted):])
		if err != nil {
			return "", trace.BadParameter("corrupt encrypted value")
		}
		plain, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, c.rsaKey, sealed, nil)
		if err != nil {
			return "", trace.BadParameter("cannot decrypt value")
		}
		return string(plain), nil
	default:
		// Untagged values are plaintext.
		return raw, nil
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return gcm, nil
}
