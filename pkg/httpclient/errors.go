package httpclient

import "fmt"

// RetryableError reports that every transport attempt failed.
type RetryableError struct {
	Message  string
	Attempts int
	Err      error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", e.Message, e.Attempts, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}
