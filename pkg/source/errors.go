package source

import (
	"errors"
	"fmt"

	"chatroster/pkg/roster"
)

const (
	ErrorDirectoryUnavailable = "directory_unavailable"
	ErrorSourceDisconnected   = "source_disconnected"
	ErrorUnknownCorrespondent = "unknown_correspondent"
	ErrorInvalidPayload       = "invalid_payload"
	ErrorInvalidConfig        = "invalid_config"
	ErrorIO                   = "io_error"
)

// ErrSourceDisconnected means a live feed ended while it was still wanted.
var ErrSourceDisconnected = errors.New("source disconnected")

// Error represents a stable, categorized source failure.
type Error struct {
	Category string
	Detail   string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Category
	}

	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

// Is lets categorized errors match the package sentinels.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}

	switch target {
	case roster.ErrDirectoryUnavailable:
		return e.Category == ErrorDirectoryUnavailable
	case roster.ErrUnknownCorrespondent:
		return e.Category == ErrorUnknownCorrespondent
	case ErrSourceDisconnected:
		return e.Category == ErrorSourceDisconnected
	}
	return false
}

// NewError creates a categorized source error.
func NewError(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// CategoryFromError returns the stable category for an error when available.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	switch {
	case errors.Is(err, roster.ErrDirectoryUnavailable):
		return ErrorDirectoryUnavailable
	case errors.Is(err, roster.ErrUnknownCorrespondent):
		return ErrorUnknownCorrespondent
	case errors.Is(err, ErrSourceDisconnected):
		return ErrorSourceDisconnected
	}

	return ErrorIO
}

// Unavailable wraps a directory read failure so it matches
// roster.ErrDirectoryUnavailable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, roster.ErrDirectoryUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", roster.ErrDirectoryUnavailable, err)
}
