package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"roundtable/api/internal/fault"
	"roundtable/api/internal/identity"
	"roundtable/api/internal/store"
)

type fixture struct {
	svc   *Service
	store *store.MemoryStore
	pub   ed25519.PublicKey
	priv  ed25519.PrivateKey
	now   time.Time
}

func newFixture(t *testing.T, enforce bool) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	f := &fixture{store: store.NewMemoryStore(), pub: pub, priv: priv, now: time.Unix(1_700_000_000, 0)}
	f.svc = NewService(f.store, f.store, Options{
		EnforceBinding: enforce,
		Now:            func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) rawRequest(challenge store.AuthChallenge) VerifyRequest {
	sig := ed25519.Sign(f.priv, []byte(challenge.Nonce))
	return VerifyRequest{
		RoomID:        challenge.RoomID,
		ParticipantID: challenge.ParticipantID,
		Nonce:         challenge.Nonce,
		SignatureKind: "raw",
		Signature:     base64.StdEncoding.EncodeToString(sig),
		KeyMaterial:   base64.StdEncoding.EncodeToString(identity.EncodeKey(f.pub)),
	}
}

func TestVerifyIssuesCredentialOnce(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	challenge, err := f.svc.CreateChallenge(ctx, "room_1", "alice")
	if err != nil {
		t.Fatalf("CreateChallenge() error = %v", err)
	}
	if len(challenge.Nonce) != 64 {
		t.Fatalf("nonce length = %d, want 64 hex chars", len(challenge.Nonce))
	}

	req := f.rawRequest(challenge)
	cred, err := f.svc.Verify(ctx, req)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if cred.Fingerprint != identity.Fingerprint(f.pub) {
		t.Fatalf("Fingerprint = %s", cred.Fingerprint)
	}
	claims, err := f.svc.Authenticate(cred.Token)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if claims.Sub != "alice" || claims.Room != "room_1" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	_, err = f.svc.Verify(ctx, req)
	if !errors.Is(err, fault.ErrInvalidOrExpiredNonce) {
		t.Fatalf("expected replay to fail as invalid nonce, got %v", err)
	}
}

func TestVerifyRejectsExpiredChallenge(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	challenge, _ := f.svc.CreateChallenge(ctx, "room_1", "alice")
	f.now = f.now.Add(DefaultChallengeTTL)

	_, err := f.svc.Verify(ctx, f.rawRequest(challenge))
	if !errors.Is(err, fault.ErrChallengeNotFound) {
		t.Fatalf("expected expired challenge to be not found, got %v", err)
	}
}

func TestVerifyRejectsMismatchedParticipant(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	challenge, _ := f.svc.CreateChallenge(ctx, "room_1", "alice")
	req := f.rawRequest(challenge)
	req.ParticipantID = "bob"

	if _, err := f.svc.Verify(ctx, req); !errors.Is(err, fault.ErrChallengeMismatch) {
		t.Fatalf("expected challenge mismatch, got %v", err)
	}
	if _, err := f.svc.Verify(ctx, f.rawRequest(challenge)); err != nil {
		t.Fatalf("failed attempt should not consume the challenge: %v", err)
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	challenge, _ := f.svc.CreateChallenge(ctx, "room_1", "alice")
	req := f.rawRequest(challenge)
	sig := ed25519.Sign(f.priv, []byte("some other message"))
	req.Signature = base64.StdEncoding.EncodeToString(sig)

	if _, err := f.svc.Verify(ctx, req); !errors.Is(err, fault.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func TestVerifyRejectsMalformedKey(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	challenge, _ := f.svc.CreateChallenge(ctx, "room_1", "alice")
	req := f.rawRequest(challenge)
	req.KeyMaterial = base64.StdEncoding.EncodeToString([]byte("short"))

	if _, err := f.svc.Verify(ctx, req); !errors.Is(err, fault.ErrInvalidKeyFormat) {
		t.Fatalf("expected invalid key format, got %v", err)
	}
}

func TestVerifyEnforcesFingerprintBinding(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, true)
	challenge, _ := f.svc.CreateChallenge(ctx, "room_1", "alice")
	if _, err := f.svc.Verify(ctx, f.rawRequest(challenge)); !errors.Is(err, fault.ErrAuthorNotConfigured) {
		t.Fatalf("expected author not configured, got %v", err)
	}

	other, _, _ := ed25519.GenerateKey(rand.Reader)
	_ = f.store.SetFingerprint(ctx, "alice", identity.Fingerprint(other))
	if _, err := f.svc.Verify(ctx, f.rawRequest(challenge)); !errors.Is(err, fault.ErrAuthorBindingMismatch) {
		t.Fatalf("expected binding mismatch, got %v", err)
	}

	_ = f.store.SetFingerprint(ctx, "alice", identity.Fingerprint(f.pub))
	if _, err := f.svc.Verify(ctx, f.rawRequest(challenge)); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestVerifyAcceptsWireFormatSignature(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	challenge, _ := f.svc.CreateChallenge(ctx, "room_1", "alice")

	signer, err := ssh.NewSignerFromKey(f.priv)
	if err != nil {
		t.Fatalf("NewSignerFromKey() error = %v", err)
	}
	sshSig, err := signer.Sign(rand.Reader, []byte(challenge.Nonce))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	line, err := identity.WireFormat(f.pub)
	if err != nil {
		t.Fatalf("WireFormat() error = %v", err)
	}

	req := VerifyRequest{
		RoomID:        "room_1",
		ParticipantID: "alice",
		Nonce:         challenge.Nonce,
		SignatureKind: string(identity.KindWireFormat),
		Signature:     base64.StdEncoding.EncodeToString(ssh.Marshal(sshSig)),
		KeyMaterial:   line,
	}
	cred, err := f.svc.Verify(ctx, req)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if cred.Fingerprint != identity.Fingerprint(f.pub) {
		t.Fatalf("wire-format key fingerprint differs from raw form")
	}
}

func TestCheckBinding(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	fp := identity.Fingerprint(f.pub)

	if status, _ := f.svc.CheckBinding(ctx, "alice", fp); status != BindingUnconfigured {
		t.Fatalf("status = %s, want unconfigured", status)
	}
	_ = f.store.SetFingerprint(ctx, "alice", fp)
	upper := "SHA256:" + fp[len(identity.FingerprintPrefix):]
	if status, _ := f.svc.CheckBinding(ctx, "alice", upper); status != BindingMatch {
		t.Fatalf("status = %s, want match", status)
	}
}
