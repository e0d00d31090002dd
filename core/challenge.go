package core

import (
	"fmt"
	"time"
)

// Outcome is the result of an authentication challenge
type Outcome int

const (
	// OutcomeCancelled means the user dismissed the prompt
	OutcomeCancelled Outcome = iota
	// OutcomeSuccess means the user authenticated
	OutcomeSuccess
	// OutcomeFailed means the attempt was rejected but may be retried
	OutcomeFailed
	// OutcomeLockedOut means too many attempts failed
	OutcomeLockedOut
)

var outcomeNames = map[Outcome]string{
	OutcomeCancelled: "cancelled",
	OutcomeSuccess:   "success",
	OutcomeFailed:    "failed",
	OutcomeLockedOut: "locked_out",
}

// String returns the wire name of the outcome
func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// ParseOutcome converts a wire name back to an Outcome
func ParseOutcome(s string) (Outcome, error) {
	for o, name := range outcomeNames {
		if name == s {
			return o, nil
		}
	}
	return OutcomeCancelled, fmt.Errorf("unknown outcome %q", s)
}

// Prompt kinds
const (
	KindBiometric  = "biometric"
	KindCredential = "credential"
)

// ChallengeRequest is what the gate asks a prompter to show
type ChallengeRequest struct {
	Package  string
	Title    string
	Subtitle string
}

// Challenge represents one outstanding prompt shown to the user
type Challenge struct {
	ID        string    `json:"id"`         // Unique identifier for the prompt
	Package   string    `json:"package"`    // App being unlocked
	Kind      string    `json:"kind"`       // biometric or credential
	Title     string    `json:"title"`      // Prompt title
	Subtitle  string    `json:"subtitle"`   // Prompt subtitle
	IssuedAt  time.Time `json:"issued_at"`  // When the prompt was created
	ExpiresAt time.Time `json:"expires_at"` // When the prompt is abandoned
}
