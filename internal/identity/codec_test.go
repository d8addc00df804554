package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"roundtable/api/internal/fault"
)

func newKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return pub, priv
}

func TestEncodedKeyRoundTrip(t *testing.T) {
	pub, _ := newKey(t)
	got, err := ParseEncodedKey(EncodeKey(pub))
	if err != nil {
		t.Fatalf("ParseEncodedKey() error = %v", err)
	}
	if !got.Equal(pub) {
		t.Fatal("expected decoded key to equal original")
	}

	material := base64.StdEncoding.EncodeToString(EncodeKey(pub))
	got, err = ParseKeyMaterial(KindRaw, material)
	if err != nil {
		t.Fatalf("ParseKeyMaterial() error = %v", err)
	}
	if !got.Equal(pub) {
		t.Fatal("expected base64 material to decode to original key")
	}
}

func TestWireFormatRoundTrip(t *testing.T) {
	pub, _ := newKey(t)
	line, err := WireFormat(pub)
	if err != nil {
		t.Fatalf("WireFormat() error = %v", err)
	}
	if !strings.HasPrefix(line, AlgorithmSSHEd25519+" ") {
		t.Fatalf("unexpected line %q", line)
	}
	got, err := ParseWireFormatKey(line + " alice@laptop")
	if err != nil {
		t.Fatalf("ParseWireFormatKey() error = %v", err)
	}
	if Fingerprint(got) != Fingerprint(pub) {
		t.Fatal("expected wire-format and encoded forms to share a fingerprint")
	}
}

func TestParseWireFormatKeyRejectsMalformedBlobs(t *testing.T) {
	pub, _ := newKey(t)
	valid := appendString(appendString(nil, []byte(AlgorithmSSHEd25519)), pub)

	cases := map[string][]byte{
		"truncated prefix": valid[:2],
		"overrun length":   append([]byte{0xff, 0xff, 0xff, 0xff}, valid[4:]...),
		"short key":        appendString(appendString(nil, []byte(AlgorithmSSHEd25519)), pub[:31]),
		"trailing bytes":   append(append([]byte(nil), valid...), 0x00),
		"wrong algorithm":  appendString(appendString(nil, []byte("ssh-rsa")), pub),
	}
	for name, blob := range cases {
		line := AlgorithmSSHEd25519 + " " + base64.StdEncoding.EncodeToString(blob)
		if _, err := ParseWireFormatKey(line); !errors.Is(err, fault.ErrInvalidKeyFormat) {
			t.Fatalf("%s: expected invalid key format, got %v", name, err)
		}
	}

	if _, err := ParseWireFormatKey("ssh-rsa " + base64.StdEncoding.EncodeToString(valid)); !errors.Is(err, fault.ErrInvalidKeyFormat) {
		t.Fatalf("expected declared algorithm mismatch to fail, got %v", err)
	}
	if _, err := ParseWireFormatKey("ssh-ed25519 !!!"); !errors.Is(err, fault.ErrInvalidKeyFormat) {
		t.Fatalf("expected bad base64 to fail, got %v", err)
	}
}

func TestWireReaderKeepsOffsetOnFailure(t *testing.T) {
	r := newWireReader([]byte{0, 0, 0, 9, 'a'})
	if _, err := r.readString(); err == nil {
		t.Fatal("expected overrun error")
	}
	if r.remaining() != 5 {
		t.Fatalf("remaining() = %d, want 5", r.remaining())
	}
}

func TestNormalizeFingerprint(t *testing.T) {
	pub, _ := newKey(t)
	fp := Fingerprint(pub)
	bare := strings.TrimPrefix(fp, FingerprintPrefix)

	for _, input := range []string{fp, strings.ToUpper(fp), bare, strings.ToUpper(bare), "  " + fp + "\n"} {
		got, err := NormalizeFingerprint(input)
		if err != nil {
			t.Fatalf("NormalizeFingerprint(%q) error = %v", input, err)
		}
		if got != fp {
			t.Fatalf("NormalizeFingerprint(%q) = %q, want %q", input, got, fp)
		}
	}
	if _, err := NormalizeFingerprint("sha256:abc"); !errors.Is(err, fault.ErrInvalidKeyFormat) {
		t.Fatalf("expected short fingerprint to fail, got %v", err)
	}
}

func TestSignatureBitFlipsFailVerification(t *testing.T) {
	pub, priv := newKey(t)
	message := []byte("a1b2c3")
	sig := ed25519.Sign(priv, message)

	if !Verify(pub, message, sig) {
		t.Fatal("expected signature to verify")
	}
	for i := 0; i < len(sig)*8; i += 7 {
		flipped := append([]byte(nil), sig...)
		flipped[i/8] ^= 1 << (i % 8)
		if Verify(pub, message, flipped) {
			t.Fatalf("bit %d flip still verified", i)
		}
	}
	altered := append([]byte(nil), message...)
	altered[0] ^= 0x01
	if Verify(pub, altered, sig) {
		t.Fatal("expected altered message to fail")
	}
	if Verify(pub, message, sig[:63]) {
		t.Fatal("expected short signature to fail")
	}
}

func TestParseSignatureAcceptsSSHBlob(t *testing.T) {
	pub, priv := newKey(t)
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("NewSignerFromKey() error = %v", err)
	}
	message := []byte("challenge-nonce")
	sshSig, err := signer.Sign(rand.Reader, message)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	encoded := base64.StdEncoding.EncodeToString(ssh.Marshal(sshSig))

	sig, err := ParseSignature(KindWireFormat, encoded)
	if err != nil {
		t.Fatalf("ParseSignature() error = %v", err)
	}
	if !Verify(pub, message, sig) {
		t.Fatal("expected ssh signature blob to verify")
	}
	if _, err := ParseSignature(KindRaw, encoded); !errors.Is(err, fault.ErrInvalidKeyFormat) {
		t.Fatalf("expected raw kind to reject ssh blob, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind("WIRE-FORMAT"); err != nil || k != KindWireFormat {
		t.Fatalf("ParseKind() = %v, %v", k, err)
	}
	if k, err := ParseKind(""); err != nil || k != KindRaw {
		t.Fatalf("ParseKind(\"\") = %v, %v", k, err)
	}
	if _, err := ParseKind("rsa"); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
