package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalid = errors.New("invalid token")
	ErrExpired = errors.New("token expired")
)

// payload is the signed claim set for a Device Sync API auth token: a
// partner, optionally scoped to one device, with an issue timestamp.
type payload struct {
	PartnerID string `json:"p"`
	DeviceID  string `json:"d,omitempty"`
	TS        int64  `json:"t"`
}

// Generate creates a signed token scoping access to partnerID (and
// optionally a single deviceID), using secret as the partner's HMAC key.
func Generate(partnerID, deviceID string, secret []byte) (string, error) {
	pl := payload{
		PartnerID: partnerID,
		DeviceID:  deviceID,
		TS:        time.Now().Unix(),
	}
	data, err := json.Marshal(pl)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	sig := mac.Sum(nil)

	enc := base64.RawURLEncoding
	return enc.EncodeToString(data) + "." + enc.EncodeToString(sig), nil
}

// Claims is the verified result of a Device Sync API token.
type Claims struct {
	PartnerID string
	DeviceID  string
}

// PeekPartnerID extracts the claimed partner ID from tok without checking
// its signature, so a caller can look up that partner's secret before
// calling Verify. The returned ID is untrusted until Verify succeeds.
func PeekPartnerID(tok string) (string, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 2 {
		return "", ErrInvalid
	}
	data, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrInvalid
	}
	var pl payload
	if err := json.Unmarshal(data, &pl); err != nil {
		return "", ErrInvalid
	}
	return pl.PartnerID, nil
}

// Verify checks the token's signature and expiry against secret and ttl and
// returns its claims. A zero ttl disables expiry checking.
func Verify(tok string, secret []byte, ttl time.Duration) (Claims, error) {
	var out Claims
	parts := strings.Split(tok, ".")
	if len(parts) != 2 {
		return out, ErrInvalid
	}
	enc := base64.RawURLEncoding
	data, err := enc.DecodeString(parts[0])
	if err != nil {
		return out, ErrInvalid
	}
	sig, err := enc.DecodeString(parts[1])
	if err != nil {
		return out, ErrInvalid
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return out, ErrInvalid
	}

	var pl payload
	if err := json.Unmarshal(data, &pl); err != nil {
		return out, ErrInvalid
	}
	if ttl > 0 && time.Since(time.Unix(pl.TS, 0)) > ttl {
		return out, ErrExpired
	}
	out.PartnerID = pl.PartnerID
	out.DeviceID = pl.DeviceID
	return out, nil
}
