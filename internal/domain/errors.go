package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrLockHeld        = errors.New("lock already held")
	ErrNotLeader       = errors.New("not leader")
	ErrLostLeadership  = errors.New("lost leadership")
	ErrDuplicateSignal = errors.New("duplicate signal")
	ErrVersionConflict = errors.New("version conflict")
	ErrMarketClosed    = errors.New("market closed")
	ErrContextDone     = errors.New("context cancelled")
)
