package channel

import (
	"errors"
	"fmt"
	"net/http"
)

// PermanentError marks a provider failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is permanent.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// StatusError is returned by HTTP adapters for non-2xx responses.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s responded %d: %s", e.Provider, e.Code, e.Body)
}

// classifyStatus treats throttling and server errors as transient and every
// other 4xx as permanent.
func classifyStatus(provider string, code int, body string) error {
	err := &StatusError{Provider: provider, Code: code, Body: body}
	if code == http.StatusTooManyRequests || code >= 500 {
		return err
	}
	return Permanent(err)
}
