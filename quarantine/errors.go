package quarantine

import "errors"

// Caller errors, rejected synchronously.
var (
	ErrRecordNotFound         = errors.New("no quarantine record for agent")
	ErrRecordActive           = errors.New("quarantine record is not suspended")
	ErrInvalidLevelTransition = errors.New("invalid quarantine level transition")
)

// Business-rule rejections, recorded but not fatal.
var (
	ErrAttemptsExceeded = errors.New("challenge attempt limit exceeded")
	ErrInvalidEndorser  = errors.New("endorser failed validation")
	ErrNotEligible      = errors.New("agent is not eligible for recovery")
)
