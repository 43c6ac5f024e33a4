package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestMintVerifyRoundTrip(t *testing.T) {
	m, err := NewManager("test-secret", 30*time.Minute)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	signed, err := m.Mint("exec-1", "wf-1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	claims, err := m.Verify(signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.ExecutionID != "exec-1" {
		t.Errorf("executionId = %q, want exec-1", claims.ExecutionID)
	}
	if claims.WorkflowID != "wf-1" {
		t.Errorf("workflowId = %q, want wf-1", claims.WorkflowID)
	}
	if claims.ExpiresAt.Sub(claims.IssuedAt) > MaxTTL {
		t.Errorf("lifetime %s exceeds cap", claims.ExpiresAt.Sub(claims.IssuedAt))
	}
}

func TestNewManager_CapsTTL(t *testing.T) {
	m, err := NewManager("s", 6*time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	signed, _ := m.Mint("e", "w")
	claims, err := m.Verify(signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt); got > MaxTTL {
		t.Errorf("lifetime = %s, want <= %s", got, MaxTTL)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	a, _ := NewManager("secret-a", time.Hour)
	b, _ := NewManager("secret-b", time.Hour)
	signed, _ := a.Mint("e", "w")
	if _, err := b.Verify(signed); err == nil {
		t.Fatal("token signed with another secret verified")
	}
}

func TestVerify_Expired(t *testing.T) {
	m, _ := NewManager("s", time.Hour)
	claims := jwt.MapClaims{
		"iss":         Issuer,
		"aud":         Audience,
		"iat":         time.Now().Add(-2 * time.Hour).Unix(),
		"exp":         time.Now().Add(-time.Hour).Unix(),
		"executionId": "e",
		"type":        "execution",
	}
	signed, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s"))
	if _, err := m.Verify(signed); err == nil {
		t.Fatal("expired token verified")
	}
}

func TestVerify_WrongAudienceOrIssuerOrType(t *testing.T) {
	m, _ := NewManager("s", time.Hour)

	mint := func(mutate func(jwt.MapClaims)) string {
		claims := jwt.MapClaims{
			"iss":         Issuer,
			"aud":         Audience,
			"iat":         time.Now().Unix(),
			"exp":         time.Now().Add(time.Minute).Unix(),
			"executionId": "e",
			"type":        "execution",
		}
		mutate(claims)
		signed, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s"))
		return signed
	}

	if _, err := m.Verify(mint(func(c jwt.MapClaims) { c["aud"] = "elsewhere" })); err == nil {
		t.Error("wrong audience verified")
	}
	if _, err := m.Verify(mint(func(c jwt.MapClaims) { c["iss"] = "intruder" })); err == nil {
		t.Error("wrong issuer verified")
	}
	if _, err := m.Verify(mint(func(c jwt.MapClaims) { c["type"] = "session" })); err == nil {
		t.Error("wrong type verified")
	}
	if _, err := m.Verify(mint(func(c jwt.MapClaims) { delete(c, "executionId") })); err == nil {
		t.Error("missing executionId verified")
	}
}

func TestVerify_RejectsUnsignedAlg(t *testing.T) {
	m, _ := NewManager("s", time.Hour)
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"iss": Issuer, "aud": Audience,
		"exp":         time.Now().Add(time.Minute).Unix(),
		"executionId": "e", "type": "execution",
	})
	raw, _ := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := m.Verify(raw); err == nil {
		t.Fatal("alg=none token verified")
	}
}
