package platform

import "errors"

// Failure taxonomy for platform calls.
//
//   - ErrNotFound: the target resource is already gone. For unpin/delete the
//     desired end state already holds, so executors treat this as success.
//   - ErrForbidden: the bot lacks permission; this will not heal without
//     operator intervention.
//   - Anything else (timeouts, rate limits, 5xx) is transient and retryable.
var (
	ErrNotFound  = errors.New("platform: not found")
	ErrForbidden = errors.New("platform: forbidden")
)

func IsNotFound(err error) bool  { return errors.Is(err, ErrNotFound) }
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }
