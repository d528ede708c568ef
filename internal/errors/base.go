package errors

import (
	"errors"
	"fmt"
)

var (
	_ error = (*wrappedError)(nil)
	_ error = (*markedError)(nil)
)

func New(text string) error {
	return errors.New(text)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Join(errs ...error) error {
	return errors.Join(errs...)
}

func Wrap(err error, text string) error {
	if err == nil {
		return nil
	}

	if len(text) == 0 {
		return err
	}

	return &wrappedError{
		err: err,
		msg: text,
	}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return Wrap(err, fmt.Sprintf(format, args...))
}

// Mark attaches a sentinel to err. The result matches both the sentinel and
// every error in the chain of err.
func Mark(err error, sentinel error) error {
	if err == nil {
		return nil
	}

	if sentinel == nil || errors.Is(err, sentinel) {
		return err
	}

	return &markedError{
		err:  err,
		mark: sentinel,
	}
}

type wrappedError struct {
	err error
	msg string
}

const sep = ", err: "

func (err wrappedError) Error() string {
	if err.err == nil {
		return err.msg
	}

	return err.msg + sep + err.err.Error()
}

func (err wrappedError) Unwrap() error {
	if err.err == nil {
		return errors.New(err.msg)
	}

	return err.err
}

type markedError struct {
	err  error
	mark error
}

func (err markedError) Error() string {
	return err.mark.Error() + sep + err.err.Error()
}

func (err markedError) Unwrap() []error {
	return []error{err.mark, err.err}
}
