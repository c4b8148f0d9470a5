// Package vault seals client credentials at the API boundary so the rest of
// the system only ever handles opaque blobs.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// version prefixes every blob so the format can change later.
const version byte = 1

var ErrOpen = errors.New("credentials blob cannot be opened")

// Sealed is an encrypted credentials blob bound to one case.
type Sealed []byte

// Credentials are what a client hands over for implementation work.
type Credentials struct {
	Platform string `json:"platform"`
	LoginURL string `json:"login_url,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
	Notes    string `json:"notes,omitempty"`
}

// Sealer encrypts and decrypts credentials with per-case keys derived from a
// master key.
type Sealer struct {
	master [32]byte
	rand   io.Reader
}

func NewSealer(master [32]byte) *Sealer {
	return &Sealer{master: master, rand: rand.Reader}
}

func (s *Sealer) caseKey(caseID string) (*[32]byte, error) {
	r := hkdf.New(sha256.New, s.master[:], []byte("rankzen-credentials"), []byte(caseID))
	var key [32]byte
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return nil, fmt.Errorf("deriving case key: %w", err)
	}
	return &key, nil
}

// Seal encrypts c for caseID. A blob sealed for one case does not open for
// another.
func (s *Sealer) Seal(caseID string, c Credentials) (Sealed, error) {
	if c.Username == "" && c.Password == "" {
		return nil, errors.New("credentials are empty")
	}
	plain, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding credentials: %w", err)
	}
	key, err := s.caseKey(caseID)
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(s.rand, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	out := append([]byte{version}, nonce[:]...)
	return secretbox.Seal(out, plain, &nonce, key), nil
}

// Open decrypts a blob sealed for caseID.
func (s *Sealer) Open(caseID string, blob Sealed) (Credentials, error) {
	var c Credentials
	if len(blob) < 1+nonceSize+secretbox.Overhead || blob[0] != version {
		return c, ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], blob[1:1+nonceSize])
	key, err := s.caseKey(caseID)
	if err != nil {
		return c, err
	}
	plain, ok := secretbox.Open(nil, blob[1+nonceSize:], &nonce, key)
	if !ok {
		return c, ErrOpen
	}
	if err := json.Unmarshal(plain, &c); err != nil {
		return c, fmt.Errorf("decoding credentials: %w", err)
	}
	return c, nil
}
