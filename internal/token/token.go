package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
)

// ErrMalformed is returned when a scanned string cannot be decoded into a payload.
var ErrMalformed = errors.New("token: malformed payload")

// nonceSize is the random salt length per rotation; checksumSize truncates the
// digest to keep the encoded QR string compact.
const (
	nonceSize    = 16
	checksumSize = 12
)

// Class carries the academic context a session is bound to. The fields are fixed
// at session creation and duplicated into every payload so a scanning device can
// show what it is about to sign up for without a store round trip.
type Class struct {
	School  string `json:"school"`
	Batch   string `json:"batch"`
	Subject string `json:"subject"`
	Periods int    `json:"periods"`
}

// Payload is one rotation's scannable credential. It is never mutated after
// issuance; the next rotation supersedes it wholesale.
type Payload struct {
	SessionID string    `json:"sid"`
	Rotation  int       `json:"rot"`
	Nonce     string    `json:"nonce"`
	Checksum  string    `json:"sum"`
	IssuedAt  time.Time `json:"iat"`
	Class     Class     `json:"class"`
}

// NewSessionID produces a store-safe unique session identifier from a
// high-resolution timestamp and a random component.
func NewSessionID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + uuid.NewString()
}

// NewNonce returns a fresh random salt. Randomness-source failure is treated as
// a process-level fault.
func NewNonce() string {
	buf := make([]byte, nonceSize)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("token: randomness source exhausted: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Checksum derives the tamper-evidence digest for a rotation. Anyone holding
// the payload fields can recompute it; anyone altering a field cannot.
func Checksum(sessionID string, rotation int, nonce string) string {
	h := sha256.Sum256([]byte(sessionID + "|" + strconv.Itoa(rotation) + "|" + nonce))
	return base64.RawURLEncoding.EncodeToString(h[:checksumSize])
}

// NewPayload builds the credential for one rotation of a session.
func NewPayload(sessionID string, rotation int, class Class, now time.Time) Payload {
	nonce := NewNonce()
	return Payload{
		SessionID: sessionID,
		Rotation:  rotation,
		Nonce:     nonce,
		Checksum:  Checksum(sessionID, rotation, nonce),
		IssuedAt:  now.UTC(),
		Class:     class,
	}
}

// Encode serializes the payload into the string embedded in the QR image.
func (p Payload) Encode() string {
	raw, err := json.Marshal(p)
	if err != nil {
		// Payload has no unmarshalable fields; kept as a guard.
		panic(fmt.Sprintf("token: encode payload: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses a scanned string back into a payload. All decode failures fold
// into ErrMalformed so the caller reports one client-input error.
func Decode(raw string) (Payload, error) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.SessionID == "" || p.Nonce == "" || p.Checksum == "" || p.Rotation < 0 {
		return Payload{}, fmt.Errorf("%w: missing fields", ErrMalformed)
	}
	return p, nil
}

// PNG renders the encoded payload as a QR image for the faculty display.
func PNG(encoded string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	img, err := qrcode.Encode(encoded, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("token: render qr: %w", err)
	}
	return img, nil
}
