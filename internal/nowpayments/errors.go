package nowpayments

import (
	"errors"
	"fmt"
)

// APIError is returned for any failed gateway call. StatusCode is zero
// when the request never got an HTTP response.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("nowpayments %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("nowpayments %s: API error %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsAPIError reports whether err came from the gateway client
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
