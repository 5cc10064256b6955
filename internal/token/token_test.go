package token

import (
	"strings"
	"testing"
	"time"
)

func TestNewSessionIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewSessionID()
		if id == "" {
			t.Fatal("empty session id")
		}
		if seen[id] {
			t.Fatalf("duplicate session id after %d iterations: %s", i, id)
		}
		seen[id] = true
	}
}

func TestChecksumDeterministic(t *testing.T) {
	a := Checksum("sess-1", 3, "nonce-a")
	b := Checksum("sess-1", 3, "nonce-a")
	if a != b {
		t.Fatalf("checksum not deterministic: %s vs %s", a, b)
	}
}

func TestChecksumSensitivity(t *testing.T) {
	base := Checksum("sess-1", 3, "nonce-a")
	cases := []struct {
		name      string
		sessionID string
		rotation  int
		nonce     string
	}{
		{"session changed", "sess-2", 3, "nonce-a"},
		{"rotation changed", "sess-1", 4, "nonce-a"},
		{"nonce changed", "sess-1", 3, "nonce-b"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if Checksum(tc.sessionID, tc.rotation, tc.nonce) == base {
				t.Fatal("checksum unchanged after field mutation")
			}
		})
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	class := Class{School: "SoE", Batch: "2026A", Subject: "Networks", Periods: 2}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := NewPayload("sess-1", 2, class, now)

	if p.Checksum != Checksum("sess-1", 2, p.Nonce) {
		t.Fatal("payload checksum does not match its own fields")
	}

	decoded, err := Decode(p.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != p {
		t.Fatalf("round trip lost data: got %+v want %+v", decoded, p)
	}
}

func TestPayloadsDifferAcrossRotations(t *testing.T) {
	class := Class{Subject: "Networks"}
	now := time.Now()
	a := NewPayload("sess-1", 1, class, now)
	b := NewPayload("sess-1", 1, class, now)
	if a.Nonce == b.Nonce || a.Checksum == b.Checksum {
		t.Fatal("two payloads for the same rotation share a nonce; screenshots would replay")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"not json", "bm90LWpzb24"},
		{"empty", ""},
		{"missing fields", "e30"}, // "{}"
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.raw); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestPNG(t *testing.T) {
	p := NewPayload("sess-1", 0, Class{Subject: "Networks"}, time.Now())
	img, err := PNG(p.Encode(), 256)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	// PNG magic header.
	if len(img) < 8 || !strings.HasPrefix(string(img[1:4]), "PNG") {
		t.Fatal("output is not a PNG")
	}
}
