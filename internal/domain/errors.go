package domain

import "errors"

var (
	// ErrSessionNotFound is returned by stores when no session row matches.
	ErrSessionNotFound = errors.New("session not found")
	// ErrJobNotFound is returned by stores when no job row matches.
	ErrJobNotFound = errors.New("job not found")
)
