package engine

import (
	"errors"
	"fmt"

	"seopilot/internal/quota"
)

var (
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrGenerationFailed  = errors.New("generation failed")
	ErrInvalidInput      = errors.New("invalid input")
	ErrQuotaExceeded     = errors.New("quota exceeded")
)

// QuotaExceededError carries the gate's decision so callers can show the reason.
type QuotaExceededError struct {
	Decision quota.Decision
}

func (e *QuotaExceededError) Error() string {
	if e.Decision.Reason == "" {
		return ErrQuotaExceeded.Error()
	}
	return fmt.Sprintf("%s: %s", ErrQuotaExceeded, e.Decision.Reason)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
