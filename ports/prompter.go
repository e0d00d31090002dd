package ports

import (
	"context"

	"github.com/layer-3/warden/core"
)

// Prompter shows an authentication prompt and waits for its outcome
type Prompter interface {
	// Kind names the prompt type (biometric, credential)
	Kind() string

	// Available reports whether the device supports this prompt
	Available() bool

	// RequestChallenge blocks until the user finishes the prompt or ctx is done
	RequestChallenge(ctx context.Context, req core.ChallengeRequest) (core.Outcome, error)
}
