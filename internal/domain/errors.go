package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidState    = errors.New("invalid state transition")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrHaltActive      = errors.New("trading halted")
	ErrForbidden       = errors.New("forbidden")
	ErrNotConfirmed    = errors.New("kill switch requires confirmation")
	ErrUnknownSymbol   = errors.New("unknown symbol")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrLockHeld        = errors.New("lock already held")
)
