package llm

import "errors"

var (
	ErrUnauthorized  = errors.New("provider rejected credentials")
	ErrRateLimited   = errors.New("provider rate limited")
	ErrUnavailable   = errors.New("provider unavailable")
	ErrEmptyResponse = errors.New("provider returned empty response")
)
