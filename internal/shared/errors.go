package shared

import "errors"

var (
	// ErrNotFound indicates a referenced resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates the request violates a business rule. No
	// partial mutation has taken place when it is returned.
	ErrValidation = errors.New("validation failed")
	// ErrConflict indicates a uniqueness or concurrency conflict.
	ErrConflict = errors.New("conflict")
)

// UserSafeMessage returns a message suitable for API consumers. Internal
// errors are collapsed to a generic message.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrValidation), errors.Is(err, ErrConflict):
		return err.Error()
	default:
		return "an internal error occurred"
	}
}
