// Package auth runs the Ed25519 challenge-response handshake and issues
// the bearer credentials that gate participant writes.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"roundtable/api/internal/fault"
	"roundtable/api/internal/identity"
	"roundtable/api/internal/store"
	"roundtable/api/internal/util"
)

const (
	DefaultChallengeTTL  = 300 * time.Second
	DefaultCredentialTTL = time.Hour
	nonceBytes           = 32
)

// ChallengeStore keeps outstanding challenges. LookupChallenge and
// ConsumeChallenge report a missing nonce as fault.ErrChallengeNotFound;
// ConsumeChallenge must remove the nonce in a single conditional write.
type ChallengeStore interface {
	SaveChallenge(context.Context, store.AuthChallenge) error
	LookupChallenge(context.Context, string) (store.AuthChallenge, error)
	ConsumeChallenge(context.Context, string) error
}

// FingerprintStore returns fault.ErrNotFound for participants that never
// enrolled a key.
type FingerprintStore interface {
	GetFingerprint(context.Context, string) (string, error)
}

type Options struct {
	ChallengeTTL   time.Duration
	CredentialTTL  time.Duration
	EnforceBinding bool
	Now            func() time.Time
}

type Service struct {
	challenges     ChallengeStore
	fingerprints   FingerprintStore
	challengeTTL   time.Duration
	credentialTTL  time.Duration
	enforceBinding bool
	now            func() time.Time
}

func NewService(challenges ChallengeStore, fingerprints FingerprintStore, opts Options) *Service {
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = DefaultChallengeTTL
	}
	if opts.CredentialTTL <= 0 {
		opts.CredentialTTL = DefaultCredentialTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		challenges:     challenges,
		fingerprints:   fingerprints,
		challengeTTL:   opts.ChallengeTTL,
		credentialTTL:  opts.CredentialTTL,
		enforceBinding: opts.EnforceBinding,
		now:            opts.Now,
	}
}

// CreateChallenge records a fresh nonce for (room, participant). Earlier
// outstanding challenges for the pair stay valid.
func (s *Service) CreateChallenge(ctx context.Context, roomID, participantID string) (store.AuthChallenge, error) {
	roomID = strings.TrimSpace(roomID)
	participantID = strings.TrimSpace(participantID)
	if roomID == "" || participantID == "" {
		return store.AuthChallenge{}, fault.New(fault.KindValidation, "room_id and participant_id are required")
	}

	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return store.AuthChallenge{}, fault.Wrap(fault.KindInternal, "generate nonce", err)
	}
	challenge := store.AuthChallenge{
		Nonce:         hex.EncodeToString(buf),
		RoomID:        roomID,
		ParticipantID: participantID,
		ExpiresAt:     s.now().Add(s.challengeTTL).UTC(),
	}
	if err := s.challenges.SaveChallenge(ctx, challenge); err != nil {
		return store.AuthChallenge{}, fmt.Errorf("save challenge: %w", err)
	}
	return challenge, nil
}

type VerifyRequest struct {
	RoomID        string
	ParticipantID string
	Nonce         string
	SignatureKind string
	Signature     string
	KeyMaterial   string
}

type Credential struct {
	Token         string
	ExpiresAt     time.Time
	Fingerprint   string
	RoomID        string
	ParticipantID string
}

// Verify checks a signed challenge and, on success, consumes it and
// issues a credential. The signed message is the UTF-8 hex nonce.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (Credential, error) {
	if strings.TrimSpace(req.Nonce) == "" || strings.TrimSpace(req.RoomID) == "" || strings.TrimSpace(req.ParticipantID) == "" {
		return Credential{}, fault.New(fault.KindValidation, "room_id, participant_id and nonce are required")
	}
	kind, err := identity.ParseKind(req.SignatureKind)
	if err != nil {
		return Credential{}, err
	}

	challenge, err := s.challenges.LookupChallenge(ctx, req.Nonce)
	if err != nil {
		return Credential{}, err
	}
	if !s.now().Before(challenge.ExpiresAt) {
		return Credential{}, fault.New(fault.KindChallengeNotFound, "challenge expired")
	}
	if challenge.RoomID != req.RoomID || challenge.ParticipantID != req.ParticipantID {
		return Credential{}, fault.New(fault.KindChallengeMismatch, "challenge was issued for a different room or participant")
	}

	pub, err := identity.ParseKeyMaterial(kind, req.KeyMaterial)
	if err != nil {
		return Credential{}, err
	}
	sig, err := identity.ParseSignature(kind, req.Signature)
	if err != nil {
		return Credential{}, err
	}
	if !identity.Verify(pub, []byte(challenge.Nonce), sig) {
		return Credential{}, fault.New(fault.KindInvalidSignature, "signature does not verify against the supplied key")
	}

	fingerprint := identity.Fingerprint(pub)
	status, err := s.CheckBinding(ctx, req.ParticipantID, fingerprint)
	if err != nil {
		return Credential{}, err
	}
	switch status {
	case BindingMismatch:
		return Credential{}, fault.New(fault.KindAuthorBindingMismatch, "key does not match the enrolled fingerprint")
	case BindingUnconfigured:
		if s.enforceBinding {
			return Credential{}, fault.New(fault.KindAuthorNotConfigured, "participant has no enrolled fingerprint")
		}
	}

	if err := s.challenges.ConsumeChallenge(ctx, challenge.Nonce); err != nil {
		return Credential{}, err
	}

	issuedAt := s.now()
	expiresAt := issuedAt.Add(s.credentialTTL)
	token, err := IssueCredential(Claims{
		Sub:         req.ParticipantID,
		Room:        req.RoomID,
		Fingerprint: fingerprint,
		JTI:         util.NewID("cred"),
		Iat:         issuedAt.Unix(),
		Exp:         expiresAt.Unix(),
	})
	if err != nil {
		return Credential{}, fault.Wrap(fault.KindInternal, "issue credential", err)
	}
	return Credential{
		Token:         token,
		ExpiresAt:     expiresAt.UTC(),
		Fingerprint:   fingerprint,
		RoomID:        req.RoomID,
		ParticipantID: req.ParticipantID,
	}, nil
}

type BindingStatus string

const (
	BindingMatch        BindingStatus = "match"
	BindingMismatch     BindingStatus = "mismatch"
	BindingUnconfigured BindingStatus = "unconfigured"
)

// CheckBinding compares fingerprint with the participant's enrolled one.
func (s *Service) CheckBinding(ctx context.Context, participantID, fingerprint string) (BindingStatus, error) {
	if participantID == "" {
		return BindingUnconfigured, nil
	}
	enrolled, err := s.fingerprints.GetFingerprint(ctx, participantID)
	if errors.Is(err, fault.ErrNotFound) {
		return BindingUnconfigured, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup fingerprint: %w", err)
	}
	normalized, err := identity.NormalizeFingerprint(fingerprint)
	if err != nil {
		return "", err
	}
	if enrolled != normalized {
		return BindingMismatch, nil
	}
	return BindingMatch, nil
}

// Authenticate parses a bearer credential against the service clock.
func (s *Service) Authenticate(token string) (Claims, error) {
	return ParseCredential(token, s.now())
}
