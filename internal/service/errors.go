package service

import (
	"errors"
	"fmt"

	"github.com/LeventeLantos/lead-sequencer/internal/catalog"
	"github.com/LeventeLantos/lead-sequencer/internal/lead"
	"github.com/LeventeLantos/lead-sequencer/internal/repo"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrValidation          = errors.New("validation error")
	ErrTransport           = errors.New("transport failure")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// classify wraps store, catalog and lead errors into the service taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrValidation),
		errors.Is(err, ErrTransport), errors.Is(err, ErrConcurrencyConflict):
		return err
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, catalog.ErrNotFound), errors.Is(err, lead.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, repo.ErrActiveEnrollmentExists), errors.Is(err, repo.ErrConcurrentEnrollment):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, repo.ErrStepMismatch), errors.Is(err, repo.ErrDuplicateSend), errors.Is(err, repo.ErrNotActive):
		return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
	case errors.Is(err, catalog.ErrInvalidContent):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return err
}
