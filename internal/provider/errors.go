package provider

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoBuildID indicates the remote accepted a trigger but no build
	// identifier could be resolved within the bounded wait
	ErrNoBuildID = errors.New("could not resolve build id after trigger")

	// ErrUnauthorized indicates provider authentication failed
	ErrUnauthorized = errors.New("provider authentication failed")
)

// ConfigurationError is a registration-time failure, fatal to that provider only
type ConfigurationError struct {
	Field string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("missing required provider config field %q", e.Field)
}

// TriggerError is run-fatal: the remote build never started
type TriggerError struct {
	Provider string
	Err      error
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("%s: trigger build: %v", e.Provider, e.Err)
}

func (e *TriggerError) Unwrap() error {
	return e.Err
}

// PollError is a transient polling failure, retried up to a bound
type PollError struct {
	Provider string
	BuildID  string
	Err      error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("%s: poll build %s: %v", e.Provider, e.BuildID, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

// StreamExhaustedError is run-fatal: the log stream hit its consecutive-error bound
type StreamExhaustedError struct {
	Provider string
	BuildID  string
	Attempts int
	Err      error
}

func (e *StreamExhaustedError) Error() string {
	return fmt.Sprintf("%s: log stream for build %s failed after %d attempts: %v",
		e.Provider, e.BuildID, e.Attempts, e.Err)
}

func (e *StreamExhaustedError) Unwrap() error {
	return e.Err
}

// UnknownProviderError is run-fatal and enumerates what is registered
type UnknownProviderError struct {
	Name       string
	Registered []string
}

func (e *UnknownProviderError) Error() string {
	if len(e.Registered) == 0 {
		return fmt.Sprintf("unknown provider %q: no providers registered", e.Name)
	}
	return fmt.Sprintf("unknown provider %q: registered providers are %s",
		e.Name, strings.Join(e.Registered, ", "))
}
