package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation    = errors.New("validation failed")
	ErrStateConflict = errors.New("another operation is already in flight")
)

// ConnectivityError covers transport failures, non-success statuses and
// unusable response bodies from the collaborator service.
type ConnectivityError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ConnectivityError) Error() string {
	if e.StatusCode != 0 {
		if e.Err != nil {
			return fmt.Sprintf("%s: status=%d: %v", e.Op, e.StatusCode, e.Err)
		}
		return fmt.Sprintf("%s: status=%d", e.Op, e.StatusCode)
	}
	if e.Err == nil {
		return e.Op + ": connectivity error"
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

func IsConnectivity(err error) bool {
	var connErr *ConnectivityError
	return errors.As(err, &connErr)
}

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
