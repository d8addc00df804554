// Package identity parses and encodes Ed25519 public keys in the two wire
// forms participants present, and derives the stable fingerprint used to
// bind a key to a participant.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"strings"

	"golang.org/x/crypto/ssh"

	"roundtable/api/internal/fault"
)

const (
	AlgorithmSSHEd25519 = "ssh-ed25519"
	FingerprintPrefix   = "sha256:"
)

// spkiPrefix is the DER SubjectPublicKeyInfo header for an Ed25519 key
// (RFC 8410); the 32 key bytes follow it.
var spkiPrefix = []byte{0x30, 0x2a, 0x30, 0x05, 0x06, 0x03, 0x2b, 0x65, 0x70, 0x03, 0x21, 0x00}

// KeyKind selects how key material and signatures are presented.
type KeyKind string

const (
	KindRaw        KeyKind = "raw"
	KindWireFormat KeyKind = "wire-format"
)

func ParseKind(value string) (KeyKind, error) {
	switch KeyKind(strings.ToLower(strings.TrimSpace(value))) {
	case KindRaw, "":
		return KindRaw, nil
	case KindWireFormat, "ssh", "openssh":
		return KindWireFormat, nil
	default:
		return "", fault.Newf(fault.KindValidation, "unknown signature kind %q", value)
	}
}

// EncodeKey returns the encoded-key (SPKI DER) form of pub.
func EncodeKey(pub ed25519.PublicKey) []byte {
	out := make([]byte, 0, len(spkiPrefix)+ed25519.PublicKeySize)
	out = append(out, spkiPrefix...)
	return append(out, pub...)
}

// ParseEncodedKey accepts SPKI DER, PEM wrapping SPKI DER, or the bare 32
// key bytes.
func ParseEncodedKey(data []byte) (ed25519.PublicKey, error) {
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("-----BEGIN")) {
		block, _ := pem.Decode(trimmed)
		if block == nil || block.Type != "PUBLIC KEY" {
			return nil, fault.New(fault.KindInvalidKeyFormat, "expected a PEM PUBLIC KEY block")
		}
		data = block.Bytes
	}

	switch len(data) {
	case ed25519.PublicKeySize:
		return copyKey(data), nil
	case len(spkiPrefix) + ed25519.PublicKeySize:
		if !bytes.Equal(data[:len(spkiPrefix)], spkiPrefix) {
			return nil, fault.New(fault.KindInvalidKeyFormat, "not an Ed25519 SubjectPublicKeyInfo")
		}
		return copyKey(data[len(spkiPrefix):]), nil
	default:
		return nil, fault.Newf(fault.KindInvalidKeyFormat, "encoded key has %d bytes", len(data))
	}
}

// ParseWireFormatKey parses an OpenSSH authorized-key line
// "ssh-ed25519 <base64> [comment]".
func ParseWireFormatKey(line string) (ed25519.PublicKey, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, fault.New(fault.KindInvalidKeyFormat, "expected \"<algorithm> <base64> [comment]\"")
	}
	if fields[0] != AlgorithmSSHEd25519 {
		return nil, fault.Newf(fault.KindInvalidKeyFormat, "unsupported key algorithm %q", fields[0])
	}
	blob, err := decodeBase64(fields[1])
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidKeyFormat, "key blob is not base64", err)
	}

	r := newWireReader(blob)
	name, err := r.readString()
	if err != nil {
		return nil, err
	}
	if string(name) != AlgorithmSSHEd25519 {
		return nil, fault.Newf(fault.KindInvalidKeyFormat, "blob declares algorithm %q", string(name))
	}
	key, err := r.readString()
	if err != nil {
		return nil, err
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fault.Newf(fault.KindInvalidKeyFormat, "key field has %d bytes", len(key))
	}
	if r.remaining() != 0 {
		return nil, fault.Newf(fault.KindInvalidKeyFormat, "%d trailing bytes after key", r.remaining())
	}
	return copyKey(key), nil
}

// ParseKeyMaterial decodes key material as presented over the API: for the
// raw kind a PEM block or base64 of the encoded key, for the wire-format
// kind an authorized-key line.
func ParseKeyMaterial(kind KeyKind, material string) (ed25519.PublicKey, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return nil, fault.New(fault.KindInvalidKeyFormat, "key material is empty")
	}
	if kind == KindWireFormat {
		return ParseWireFormatKey(material)
	}
	if strings.HasPrefix(material, "-----BEGIN") {
		return ParseEncodedKey([]byte(material))
	}
	decoded, err := decodeBase64(material)
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidKeyFormat, "key material is not base64", err)
	}
	return ParseEncodedKey(decoded)
}

// WireFormat renders pub as an authorized-key line.
func WireFormat(pub ed25519.PublicKey) (string, error) {
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fault.Wrap(fault.KindInvalidKeyFormat, "encode ssh key", err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))), nil
}

// Fingerprint hashes the encoded-key form of pub.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(EncodeKey(pub))
	return FingerprintPrefix + hex.EncodeToString(sum[:])
}

// NormalizeFingerprint coerces any case, with or without the sha256:
// prefix, to the canonical "sha256:<64 lowercase hex>".
func NormalizeFingerprint(value string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	v = strings.TrimPrefix(v, FingerprintPrefix)
	if len(v) != sha256.Size*2 {
		return "", fault.Newf(fault.KindInvalidKeyFormat, "fingerprint must be %d hex characters", sha256.Size*2)
	}
	if _, err := hex.DecodeString(v); err != nil {
		return "", fault.New(fault.KindInvalidKeyFormat, "fingerprint is not hex")
	}
	return FingerprintPrefix + v, nil
}

// ParseSignature decodes a base64 signature. A 64-byte value is taken as
// the bare Ed25519 signature; for the wire-format kind an SSH signature
// blob (string format, string signature) is also accepted.
func ParseSignature(kind KeyKind, value string) ([]byte, error) {
	decoded, err := decodeBase64(strings.TrimSpace(value))
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidKeyFormat, "signature is not base64", err)
	}
	if len(decoded) == ed25519.SignatureSize {
		return decoded, nil
	}
	if kind != KindWireFormat {
		return nil, fault.Newf(fault.KindInvalidKeyFormat, "signature has %d bytes", len(decoded))
	}

	r := newWireReader(decoded)
	format, err := r.readString()
	if err != nil {
		return nil, err
	}
	if string(format) != AlgorithmSSHEd25519 {
		return nil, fault.Newf(fault.KindInvalidKeyFormat, "signature format %q", string(format))
	}
	sig, err := r.readString()
	if err != nil {
		return nil, err
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fault.Newf(fault.KindInvalidKeyFormat, "signature field has %d bytes", len(sig))
	}
	if r.remaining() != 0 {
		return nil, fault.Newf(fault.KindInvalidKeyFormat, "%d trailing bytes after signature", r.remaining())
	}
	return append([]byte(nil), sig...), nil
}

// Verify reports whether sig is a valid signature of message by pub.
// Wrong-sized inputs are rejected rather than passed to ed25519.Verify.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

func copyKey(b []byte) ed25519.PublicKey {
	out := make([]byte, ed25519.PublicKeySize)
	copy(out, b)
	return ed25519.PublicKey(out)
}

func decodeBase64(value string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.RawStdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.URLEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return base64.RawURLEncoding.DecodeString(value)
}
