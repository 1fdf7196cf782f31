package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/driftlane/cloakd/internal/config"
)

func TestTokenRoundTrip(t *testing.T) {
	tok := NewTokens(config.TokenConfig{Secret: "s3cret", TTL: time.Minute})

	raw, err := tok.Sign("camp-1", ActionMoney, "abcd1234")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := tok.Verify(raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.CampaignID != "camp-1" || claims.Action != ActionMoney || claims.Visitor != "abcd1234" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestTokenTamperRejected(t *testing.T) {
	tok := NewTokens(config.TokenConfig{Secret: "s3cret", TTL: time.Minute})
	raw, err := tok.Sign("camp-1", ActionMoney, "")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tampered := raw[:len(raw)-2] + "xx"
	if _, err := tok.Verify(tampered); err == nil {
		t.Fatal("tampered token verified")
	}

	other := NewTokens(config.TokenConfig{Secret: "different", TTL: time.Minute})
	if _, err := other.Verify(raw); err == nil {
		t.Fatal("token verified with the wrong secret")
	}
}

func TestTokenExpiry(t *testing.T) {
	tok := NewTokens(config.TokenConfig{Secret: "s3cret", TTL: -time.Minute})
	raw, err := tok.Sign("camp-1", ActionSafe, "")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = tok.Verify(raw)
	if err == nil {
		t.Fatal("expired token verified")
	}
	if !strings.Contains(err.Error(), "expired") {
		t.Fatalf("err = %v, want expiry error", err)
	}
}
