package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Claims is the body of a bearer credential issued after a successful
// challenge verification.
type Claims struct {
	Sub         string `json:"sub"`
	Room        string `json:"room"`
	Fingerprint string `json:"fpr,omitempty"`
	JTI         string `json:"jti"`
	Iat         int64  `json:"iat"`
	Exp         int64  `json:"exp"`
}

// The credential keeps the unsigned three-segment shape clients already
// parse. It is not tamper-evident: possession is authorization.
const unsignedPlaceholder = "unsigned"

var credentialHeader = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredCredential = errors.New("expired credential")
)

func IssueCredential(claims Claims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return credentialHeader + "." + payload + "." + unsignedPlaceholder, nil
}

func ParseCredential(token string, now time.Time) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, ErrInvalidCredential
	}
	if parts[2] != unsignedPlaceholder {
		return Claims{}, ErrInvalidCredential
	}

	header, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, ErrInvalidCredential
	}
	var head struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(header, &head); err != nil || head.Alg != "none" {
		return Claims{}, ErrInvalidCredential
	}

	decoded, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrInvalidCredential
	}
	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidCredential
	}
	if claims.Sub == "" || claims.Room == "" || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidCredential
	}
	if now.Unix() >= claims.Exp {
		return Claims{}, ErrExpiredCredential
	}
	return claims, nil
}
