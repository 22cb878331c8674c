package mijia

import "errors"

var (
	// ErrConnection marks link-level failures (connect, read, write, broken session).
	// The retry wrapper reconnects and retries operations failing with it.
	ErrConnection = errors.New("bluetooth connection error")

	// ErrRetryBudgetExhausted is returned when an operation could not complete
	// before the retry budget elapsed.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrParse marks a device payload that does not have the expected shape.
	// It is terminal for the current read and never retried.
	ErrParse = errors.New("malformed device payload")

	// ErrNoData is returned by accessors when a field is still unknown after
	// the refresh it triggered failed.
	ErrNoData = errors.New("no data available")
)

// IsConnectionError reports whether err is a ConnectionFault.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnection)
}
