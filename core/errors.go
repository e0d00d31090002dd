package core

import "errors"

var (
	ErrAppNotFound          = errors.New("app not found")
	ErrInvalidPackage       = errors.New("invalid package identifier")
	ErrInvalidToken         = errors.New("invalid token")
	ErrChallengeNotFound    = errors.New("challenge not found")
	ErrChallengeMismatch    = errors.New("challenge does not match token")
	ErrPromptUnavailable    = errors.New("prompt unavailable")
	ErrStoreOperationFailed = errors.New("store operation failed")
)
