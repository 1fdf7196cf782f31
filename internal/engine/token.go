package engine

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/driftlane/cloakd/internal/config"
)

// DecisionClaims is the signed payload handed to the redirect layer. The
// landing page verifies it before serving money content, so a visitor cannot
// skip the classifier by guessing the destination URL.
type DecisionClaims struct {
	CampaignID string `json:"cid"`
	Action     string `json:"act"`
	Visitor    string `json:"vis,omitempty"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies decision tokens with HMAC-SHA256.
type Tokens struct {
	secret []byte
	ttl    time.Duration
}

func NewTokens(cfg config.TokenConfig) *Tokens {
	return &Tokens{secret: []byte(cfg.Secret), ttl: cfg.TTL}
}

func (t *Tokens) Sign(campaignID, action, requestHash string) (string, error) {
	now := time.Now()
	claims := DecisionClaims{
		CampaignID: campaignID,
		Action:     action,
		Visitor:    requestHash,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify parses and validates a decision token, returning its claims.
func (t *Tokens) Verify(raw string) (*DecisionClaims, error) {
	claims := &DecisionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
