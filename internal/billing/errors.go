package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrPeriodUnresolvable means no limit config or billing window exists for the tenant.
	ErrPeriodUnresolvable = errors.New("billing: usage period unresolvable")
	// ErrStorageConflict is returned once the bounded retry on version conflicts is exhausted.
	ErrStorageConflict    = errors.New("billing: storage conflict")
	ErrInvalidLimitConfig = errors.New("billing: invalid limit config")
	ErrInvalidUsage       = errors.New("billing: invalid usage event")
	ErrInvalidThreshold   = errors.New("billing: threshold not in ladder")

	// Store level errors.
	ErrVersionConflict     = errors.New("billing: period version conflict")
	ErrDuplicateUsage      = errors.New("billing: duplicate usage transaction")
	ErrConfigNotFound      = errors.New("billing: limit config not found")
	ErrPeriodNotFound      = errors.New("billing: usage period not found")
	ErrTransactionNotFound = errors.New("billing: usage transaction not found")
	ErrCooldownActive      = errors.New("billing: alert cooldown active")
	ErrAlreadyAlerted      = errors.New("billing: threshold already alerted this period")
	ErrAlertNotFound       = errors.New("billing: alert not found")
)

// ValidationError describes a single rejected LimitConfig field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidLimitConfig
}

// IsRetryable reports whether the caller should retry the whole operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageConflict) || errors.Is(err, ErrVersionConflict)
}
