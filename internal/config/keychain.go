package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	apiTokenAccount       = "api_token"
	credentialsKeyAccount = "credentials_key"
)

// SecretStore reads and writes secrets in the platform store.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// Keychain is the platform SecretStore: the macOS Keychain on darwin and a
// 0600 JSON file under $XDG_DATA_HOME elsewhere.
type Keychain struct {
	keychainReader
}

func NewKeychain() Keychain {
	return Keychain{}
}

func (Keychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token guarding the local HTTP API,
// generating and storing one on first use.
func GetAPIToken(s SecretStore) (string, error) {
	return getOrCreate(s, apiTokenAccount, func(b []byte) string {
		return hex.EncodeToString(b)
	})
}

// GetCredentialsKey returns the 32-byte key that seals client credentials,
// generating and storing one on first use.
func GetCredentialsKey(s SecretStore) ([32]byte, error) {
	var key [32]byte
	enc, err := getOrCreate(s, credentialsKeyAccount, func(b []byte) string {
		return base64.StdEncoding.EncodeToString(b)
	})
	if err != nil {
		return key, err
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil || len(raw) != len(key) {
		return key, fmt.Errorf("stored credentials key is malformed%s", secretHint(credentialsKeyAccount))
	}
	copy(key[:], raw)
	return key, nil
}

func getOrCreate(s SecretStore, account string, encode func([]byte) string) (string, error) {
	if v, err := s.Get(keychainService, account); err == nil && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating %s: %w", account, err)
	}
	v := encode(buf)
	if err := s.Set(keychainService, account, v); err != nil {
		return "", fmt.Errorf("storing %s%s: %w", account, secretHint(account), err)
	}
	return v, nil
}

// MissingSecretError names where a required secret can be supplied.
func MissingSecretError(key string) error {
	for _, s := range specs {
		if s.key == key && s.secret {
			return fmt.Errorf("missing required secret %s: set %s%s", key, s.env, secretHint(s.account()))
		}
	}
	return fmt.Errorf("missing required secret %s", key)
}
