package ports

import "github.com/layer-3/warden/core"

// Tokenizer converts between challenges and the tokens handed to prompt UIs
type Tokenizer interface {
	ChallengeToToken(challenge *core.Challenge) (string, error)
	TokenToChallenge(token string) (*core.Challenge, error)
}
