package models

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by the catalog engine matches exactly
// one of these with errors.Is.
var (
	// ErrValidation signals bad caller input; no state was changed.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound signals a record that vanished before a mutation applied.
	ErrNotFound = errors.New("not found")
	// ErrConflict signals a clash with existing state.
	ErrConflict = errors.New("conflict")
	// ErrStore signals a backing store failure.
	ErrStore = errors.New("store failure")
)

var (
	// ErrEmptySelection signals a mutation requested with nothing selected.
	ErrEmptySelection = fmt.Errorf("%w: no records selected", ErrValidation)
	// ErrInvalidPage signals a negative page index or non-positive page size.
	ErrInvalidPage = fmt.Errorf("%w: invalid page", ErrValidation)
	// ErrInvalidGeometry signals a non-positive grid dimension.
	ErrInvalidGeometry = fmt.Errorf("%w: invalid grid geometry", ErrValidation)
	// ErrUnconfirmed signals a delete without a matching confirmation.
	ErrUnconfirmed = fmt.Errorf("%w: delete not confirmed", ErrValidation)
	// ErrNoSubset signals a subset operation while no subset is loaded.
	ErrNoSubset = fmt.Errorf("%w: no subset restriction active", ErrValidation)
	// ErrInvalidTag signals a blank tag name.
	ErrInvalidTag = fmt.Errorf("%w: tag name must not be empty", ErrValidation)
	// ErrDuplicateTag signals creation of a tag that is already known.
	ErrDuplicateTag = fmt.Errorf("%w: tag already exists", ErrConflict)
)

// RecordNotFoundError reports the id that failed retag validation.
type RecordNotFoundError struct {
	ID string
}

func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("record %q: %s", e.ID, ErrNotFound.Error())
}

func (e *RecordNotFoundError) Unwrap() error { return ErrNotFound }

// GeometryError carries the rejected grid dimensions.
type GeometryError struct {
	Width  int
	Height int
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("%s: %dx%d", ErrInvalidGeometry.Error(), e.Width, e.Height)
}

func (e *GeometryError) Unwrap() error { return ErrInvalidGeometry }

// StoreError wraps a failure of the backing record store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the store class and the driver error.
func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }

// NewStoreError wraps err as a StoreError unless it already is one.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
