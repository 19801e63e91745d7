package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// SecretKeyEnv names the variable holding the AES-256 key used for
// "enc:"-prefixed provider credentials in the config file.
const SecretKeyEnv = "LANGY_SECRET_KEY"

const encryptedPrefix = "enc:"

var errInvalidCiphertext = errors.New("invalid secret ciphertext")

type secretCipher struct {
	aead cipher.AEAD
}

func newSecretCipherFromEnv() (*secretCipher, error) {
	raw := strings.TrimSpace(os.Getenv(SecretKeyEnv))
	if raw == "" {
		return nil, fmt.Errorf("%s not set", SecretKeyEnv)
	}
	key, err := decodeKey(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", SecretKeyEnv, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &secretCipher{aead: aead}, nil
}

func decodeKey(raw string) ([]byte, error) {
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid key length %d, want 32", len(key))
	}
	return key, nil
}

func (c *secretCipher) Encrypt(plain string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plain), nil)
	buf := append(nonce, sealed...)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(buf), nil
}

func (c *secretCipher) Decrypt(input string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(input, encryptedPrefix))
	if err != nil {
		return "", errInvalidCiphertext
	}
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return "", errInvalidCiphertext
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", errInvalidCiphertext
	}
	return string(plain), nil
}

// EncryptSecret produces the "enc:" form of plain using the key from the
// environment, for operators preparing a config file.
func EncryptSecret(plain string) (string, error) {
	c, err := newSecretCipherFromEnv()
	if err != nil {
		return "", err
	}
	return c.Encrypt(plain)
}

// resolveSecrets decrypts every encrypted provider credential in place. The
// cipher is only required when at least one value is encrypted.
func (c *Config) resolveSecrets() error {
	var sc *secretCipher
	for name, prov := range c.Providers {
		if !strings.HasPrefix(prov.APIKey, encryptedPrefix) {
			continue
		}
		if sc == nil {
			var err error
			if sc, err = newSecretCipherFromEnv(); err != nil {
				return fmt.Errorf("provider %s: %w", name, err)
			}
		}
		plain, err := sc.Decrypt(prov.APIKey)
		if err != nil {
			return fmt.Errorf("provider %s api_key: %w", name, err)
		}
		prov.APIKey = plain
		c.Providers[name] = prov
	}
	return nil
}
