package export

import "errors"

// PermanentError marks a transport failure that retrying cannot fix,
// such as a rejected payload or a bad endpoint. Errors not marked
// permanent are treated as transient and retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the batcher fails fast instead of retrying.
// Returns nil if err is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &PermanentError{Err: err}
}

// IsPermanent reports whether any error in err's chain is marked
// permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError

	return errors.As(err, &pe)
}
