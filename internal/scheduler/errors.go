package scheduler

import "errors"

var (
	ErrNotFound      = errors.New("campaign not found")
	ErrBadTransition = errors.New("invalid campaign transition")
)
