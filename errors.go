package trunkline

import "github.com/pkg/errors"

// ErrCallNumbersExhausted is returned when every allocatable local call
// number (2..32767) is in use.
var ErrCallNumbersExhausted = errors.New("no free local call number")

// ErrEngineClosed is returned for operations on a shut-down engine.
var ErrEngineClosed = errors.New("engine is shut down")

func newFieldError(name string, err error) error {
	return errors.Wrapf(err, "%s field verification failed", name)
}
