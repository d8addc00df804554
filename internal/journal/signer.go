package journal

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"roundtable/api/internal/identity"
)

const (
	privateKeyFile = "journal-signing-key"
	publicKeyFile  = "journal-signing-key.pub"
)

// Signer holds the process-wide journal keypair. Ephemeral signers mark
// every entry they produce with persistent_key=false.
type Signer struct {
	private    ed25519.PrivateKey
	public     ed25519.PublicKey
	persistent bool
}

func NewSigner(private ed25519.PrivateKey, persistent bool) *Signer {
	return &Signer{
		private:    private,
		public:     private.Public().(ed25519.PublicKey),
		persistent: persistent,
	}
}

func NewEphemeralSigner() (*Signer, error) {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral signing key: %w", err)
	}
	return NewSigner(private, false), nil
}

// LoadOrGenerateSigner loads the keypair kept in dir, creating it on first
// use. The returned bool reports whether a new key was written.
func LoadOrGenerateSigner(dir string) (*Signer, bool, error) {
	privatePath := filepath.Join(dir, privateKeyFile)
	private, err := loadPrivateKey(privatePath)
	if err == nil {
		return NewSigner(private, true), false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	_, private, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, false, fmt.Errorf("generate signing key: %w", err)
	}
	if err := saveKeypair(dir, private); err != nil {
		return nil, false, err
	}
	return NewSigner(private, true), true, nil
}

func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.public
}

func (s *Signer) Persistent() bool {
	return s.persistent
}

func (s *Signer) Fingerprint() string {
	return identity.Fingerprint(s.public)
}

func (s *Signer) Sign(message []byte) []byte {
	return ed25519.Sign(s.private, message)
}

func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse signing key %s: %w", path, err)
	}
	switch key := raw.(type) {
	case ed25519.PrivateKey:
		return key, nil
	case *ed25519.PrivateKey:
		return *key, nil
	default:
		return nil, fmt.Errorf("signing key %s is %T, want ed25519", path, raw)
	}
}

func saveKeypair(dir string, private ed25519.PrivateKey) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create signing key dir: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(private, "roundtable journal")
	if err != nil {
		return fmt.Errorf("encode signing key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	line, err := identity.WireFormat(private.Public().(ed25519.PublicKey))
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), []byte(line+"\n"), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}
