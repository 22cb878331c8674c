package ble

import (
	"fmt"

	goble "github.com/go-ble/ble"
	"github.com/pkg/errors"

	"github.com/afroash/mijia-monitor/internal/mijia"
)

// linkError annotates err with msg and marks it as a connection fault,
// unless the peer answered with an ATT error code.
func linkError(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrap(err, msg)
	var attErr goble.ATTError
	if errors.As(err, &attErr) {
		return wrapped
	}
	return fmt.Errorf("%w: %w", mijia.ErrConnection, wrapped)
}

// catchErrs runs fn and turns a panic inside the BLE stack into an error
func catchErrs(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.Wrap(e, "recovered panic")
				return
			}
			err = errors.Errorf("recovered panic: %v", r)
		}
	}()
	return fn()
}
