package credential

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration marks errors caused by the cache configuration rather than runtime state.
	ErrConfiguration = errors.New("credential configuration error")

	// ErrFederation marks malformed federation responses.
	ErrFederation = errors.New("federation failed")
)

// ConfigurationError reports an operation that is invalid for the configured mode,
// such as renewing a static credential. It is never retried.
type ConfigurationError struct {
	Op      string
	Message string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return "credential config: " + e.Op + ": " + e.Message
}

// Is matches ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// FederationError reports a federation response missing required credential fields.
type FederationError struct {
	// Endpoint is the federation endpoint that answered.
	Endpoint string

	// Missing lists the absent fields.
	Missing []string
}

// Error implements the error interface.
func (e *FederationError) Error() string {
	return fmt.Sprintf("federation %s: response missing %s", e.Endpoint, strings.Join(e.Missing, ", "))
}

// Is matches ErrFederation.
func (e *FederationError) Is(target error) bool {
	return target == ErrFederation
}

// IsConfigurationError reports whether err is a configuration error.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsFederationError reports whether err is a malformed federation response.
func IsFederationError(err error) bool {
	return errors.Is(err, ErrFederation)
}
