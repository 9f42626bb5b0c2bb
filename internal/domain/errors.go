package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrStageBlocked    = errors.New("stage blocked")
	ErrAlreadyPending  = errors.New("approval already pending")
	ErrAlreadyResolved = errors.New("approval already resolved")
	ErrSuperseded      = errors.New("approval superseded by a newer request")
	ErrNotReady        = errors.New("stage not ready for approval")
	ErrInvalid         = errors.New("invalid input")
)

// StageBlockedError reports a mutation on a stage that sits behind an unapproved gate.
type StageBlockedError struct {
	StageID   string
	BlockedBy string
}

func (e StageBlockedError) Error() string {
	if e.BlockedBy == "" {
		return fmt.Sprintf("stage %s is blocked", e.StageID)
	}
	return fmt.Sprintf("stage %s is blocked until stage %s is approved", e.StageID, e.BlockedBy)
}

func (e StageBlockedError) Unwrap() error { return ErrStageBlocked }

// NotReadyError reports an approval request made before the stage qualifies for one.
type NotReadyError struct {
	StageID string
	Reason  string
}

func (e NotReadyError) Error() string {
	return fmt.Sprintf("stage %s not ready for approval: %s", e.StageID, e.Reason)
}

func (e NotReadyError) Unwrap() error { return ErrNotReady }

// IsNotYet reports whether err is an expected "not yet" state rather than a failure.
func IsNotYet(err error) bool {
	return errors.Is(err, ErrStageBlocked) || errors.Is(err, ErrNotReady)
}
