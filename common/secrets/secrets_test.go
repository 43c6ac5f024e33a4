package secrets

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
}

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewSealer(testKey())
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	sealed, err := s.Seal([]byte("GITHUB_TOKEN=ghp_x"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(opened) != "GITHUB_TOKEN=ghp_x" {
		t.Errorf("round trip = %q", opened)
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	s, _ := NewSealer(testKey())
	sealed, _ := s.Seal([]byte("secret"))
	sealed[len(sealed)-1] ^= 0xff
	if _, err := s.Open(sealed); err == nil {
		t.Fatal("tampered blob opened without error")
	}
}

func TestNewSealer_BadKey(t *testing.T) {
	if _, err := NewSealer("not base64!!"); err == nil {
		t.Error("invalid base64 accepted")
	}
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := NewSealer(short); err == nil {
		t.Error("short key accepted")
	}
}

func TestEnvRoundTrip(t *testing.T) {
	s, _ := NewSealer(testKey())
	env := map[string]string{"A": "1", "B": "two"}

	sealed, err := s.SealEnv(env)
	if err != nil {
		t.Fatalf("SealEnv: %v", err)
	}
	got, err := s.OpenEnv(sealed)
	if err != nil {
		t.Fatalf("OpenEnv: %v", err)
	}
	if got["A"] != "1" || got["B"] != "two" {
		t.Errorf("env = %v", got)
	}

	empty, err := s.OpenEnv(nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("OpenEnv(nil) = %v, %v", empty, err)
	}
}
