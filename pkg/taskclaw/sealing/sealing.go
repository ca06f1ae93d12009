// Package sealing encrypts skill secret values at rest using age X25519
// identities. The identity is resolved from the environment, the OS keyring
// or an identity file, in that order.
package sealing

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/zalando/go-keyring"
)

// IdentityEnvVar holds an AGE-SECRET-KEY-1... identity for non-interactive deployments.
const IdentityEnvVar = "TASKCLAW_AGE_IDENTITY"

// keyringIdentityKey is the keyring entry name for the identity.
const keyringIdentityKey = "age_identity"

// ErrNoIdentity is returned when no identity could be resolved.
var ErrNoIdentity = errors.New("no age identity configured")

// Sealer seals and opens values with a single age identity.
type Sealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// New creates a Sealer from an identity string.
func New(identity string) (*Sealer, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}
	return &Sealer{identity: id, recipient: id.Recipient()}, nil
}

// Generate creates a fresh identity and returns its string form.
func Generate() (string, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generating age identity: %w", err)
	}
	return id.String(), nil
}

// Recipient returns the public key in age1... form.
func (s *Sealer) Recipient() string {
	return s.recipient.String()
}

// Seal encrypts plaintext and returns base64 ciphertext.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts base64 ciphertext produced by Seal.
func (s *Sealer) Open(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}

// Source describes where to look for an identity.
type Source struct {
	KeyringService string
	IdentityFile   string
}

// Resolve finds an identity: env var, then OS keyring, then identity file.
// Returns ErrNoIdentity when none is configured.
func Resolve(src Source) (*Sealer, string, error) {
	if v := os.Getenv(IdentityEnvVar); v != "" {
		s, err := New(v)
		return s, "env", err
	}

	if src.KeyringService != "" {
		if v, err := keyring.Get(src.KeyringService, keyringIdentityKey); err == nil && v != "" {
			s, err := New(v)
			return s, "keyring", err
		}
	}

	if src.IdentityFile != "" {
		data, err := os.ReadFile(src.IdentityFile)
		if err == nil {
			s, err := New(firstIdentityLine(string(data)))
			return s, "file", err
		}
		if !os.IsNotExist(err) {
			return nil, "", fmt.Errorf("reading identity file: %w", err)
		}
	}

	return nil, "", ErrNoIdentity
}

// StoreKeyring saves an identity in the OS keyring.
func StoreKeyring(service, identity string) error {
	return keyring.Set(service, keyringIdentityKey, identity)
}

// WriteIdentityFile writes an identity file readable only by the owner.
func WriteIdentityFile(path, identity string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(identity+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing identity file: %w", err)
	}
	return nil
}

// firstIdentityLine skips comment lines as written by age-keygen.
func firstIdentityLine(data string) string {
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return line
		}
	}
	return ""
}
