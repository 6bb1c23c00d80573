package service

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration       = errors.New("billing is not configured")
	ErrValidation          = errors.New("invalid request")
	ErrInvalidPlan         = fmt.Errorf("%w: unknown plan", ErrValidation)
	ErrProviderUnsupported = fmt.Errorf("%w: provider is not supported", ErrValidation)
	ErrAuthentication      = errors.New("callback authentication failed")
	ErrNotFound            = errors.New("not found")
	ErrTransientStore      = errors.New("store temporarily unavailable")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrForbidden           = errors.New("forbidden")
)

func storeError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientStore, err)
}
