package tokenizer

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

// AudienceChallenge is the audience of every challenge token
const AudienceChallenge = "warden:challenge"

// JWTTokenizer implements the Tokenizer interface using ES256 JWTs
type JWTTokenizer struct {
	signKey *ecdsa.PrivateKey
	opts    []jwt.ParserOption
}

var _ ports.Tokenizer = (*JWTTokenizer)(nil)

// NewJWTTokenizer creates a new JWT tokenizer
func NewJWTTokenizer(signKey *ecdsa.PrivateKey, opts ...jwt.ParserOption) *JWTTokenizer {
	return &JWTTokenizer{
		signKey: signKey,
		opts:    append([]jwt.ParserOption{jwt.WithAudience(AudienceChallenge)}, opts...),
	}
}

// ChallengeToToken converts a Challenge to a signed token
func (j *JWTTokenizer) ChallengeToToken(challenge *core.Challenge) (string, error) {
	claims := ChallengeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   challenge.Package,
			ID:        challenge.ID,
			ExpiresAt: jwt.NewNumericDate(challenge.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(challenge.IssuedAt),
			Audience:  jwt.ClaimStrings{AudienceChallenge},
		},
		Kind:     challenge.Kind,
		Title:    challenge.Title,
		Subtitle: challenge.Subtitle,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signedToken, nil
}

// TokenToChallenge verifies a token and converts it back to a Challenge
func (j *JWTTokenizer) TokenToChallenge(tokenStr string) (*core.Challenge, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &ChallengeClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	}, j.opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, core.ErrInvalidToken
	}

	claims, ok := token.Claims.(*ChallengeClaims)
	if !ok || claims.ID == "" || claims.Subject == "" {
		return nil, core.ErrInvalidToken
	}

	challenge := &core.Challenge{
		ID:       claims.ID,
		Package:  claims.Subject,
		Kind:     claims.Kind,
		Title:    claims.Title,
		Subtitle: claims.Subtitle,
	}
	if claims.IssuedAt != nil {
		challenge.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		challenge.ExpiresAt = claims.ExpiresAt.Time
	}

	return challenge, nil
}
