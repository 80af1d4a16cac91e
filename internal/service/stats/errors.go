package stats

import (
	"errors"
	"fmt"
)

// ErrServiceFailure matches every ServiceError via errors.Is.
var ErrServiceFailure = errors.New("usage stats service failure")

// ServiceError reports a storage or permission-store failure behind a query.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrServiceFailure, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is reports whether target is ErrServiceFailure.
func (e *ServiceError) Is(target error) bool { return target == ErrServiceFailure }

func serviceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return err
	}
	return &ServiceError{Op: op, Err: err}
}
