package freebusy

import (
	"errors"
	"fmt"
	"time"
)

// ErrSubjectNotFound means the backend has no mailbox or account for the
// queried subject. Adapters treat it as "no busy time".
var ErrSubjectNotFound = errors.New("subject has no calendar on this provider")

// ConfigurationError is returned when a provider is selected but cannot run
// with the settings it was given.
type ConfigurationError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("%s provider not configured: %s", e.Provider, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError builds a ConfigurationError without a cause.
func NewConfigurationError(provider, reason string) error {
	return &ConfigurationError{Provider: provider, Reason: reason}
}

// ProviderError wraps a failure talking to a backend: network errors,
// malformed responses, unexpected authentication failures and timeouts.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Errorf wraps a formatted error as a ProviderError for the given provider.
func Errorf(provider, format string, args ...any) error {
	return &ProviderError{Provider: provider, Err: fmt.Errorf(format, args...)}
}

// LoadLocation resolves an IANA zone name, failing with a ConfigurationError
// when the zone is unknown.
func LoadLocation(provider, name string) (*time.Location, error) {
	if name == "" {
		return nil, &ConfigurationError{Provider: provider, Reason: "empty timezone"}
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, &ConfigurationError{Provider: provider, Reason: fmt.Sprintf("unknown timezone %q", name), Err: err}
	}
	return loc, nil
}
