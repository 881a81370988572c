package loader

import "fmt"

// Error classifies a failed load so callers can distinguish timeouts from
// other transport failures and from non-2xx server responses.
type Error struct {
	URL     string
	Status  int  // non-zero when the server answered
	Timeout bool // request or body read hit a deadline
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("loader: %s: timeout: %v", e.URL, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("loader: %s: status %d", e.URL, e.Status)
	default:
		return fmt.Sprintf("loader: %s: %v", e.URL, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }
