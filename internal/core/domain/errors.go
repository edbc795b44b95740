package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("not found")
	ErrConfiguration       = errors.New("configuration error")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrTemporary           = errors.New("temporary failure")
	ErrRetrieval           = errors.New("retrieval failed")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// PartialBatchError reports a bulk write that stopped after Applied of Total items.
type PartialBatchError struct {
	Operation  string
	Applied    int
	Total      int
	AppliedIDs []string
	Err        error
}

func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("%s: applied %d of %d: %v", e.Operation, e.Applied, e.Total, e.Err)
}

func (e *PartialBatchError) Unwrap() error {
	return e.Err
}

// AsPartialBatch extracts a PartialBatchError from an error chain.
func AsPartialBatch(err error) (*PartialBatchError, bool) {
	var partial *PartialBatchError
	if errors.As(err, &partial) {
		return partial, true
	}
	return nil, false
}
