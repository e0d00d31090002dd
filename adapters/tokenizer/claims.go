package tokenizer

import "github.com/golang-jwt/jwt/v5"

// ChallengeClaims combines standard claims with prompt-specific ones
type ChallengeClaims struct {
	jwt.RegisteredClaims
	Kind     string `json:"kind"`
	Title    string `json:"title,omitempty"`
	Subtitle string `json:"subtitle,omitempty"`
}
