package config

import "fmt"

// LoadError wraps a failure to read or parse a configuration file.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// NewLoadError creates a new load error.
func NewLoadError(file string, err error) error {
	return &LoadError{File: file, Err: err}
}

// ValidationError reports an invalid configuration value.
type ValidationError struct {
	Section string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration in %s: %s", e.Section, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(section, message string) error {
	return &ValidationError{Section: section, Message: message}
}
