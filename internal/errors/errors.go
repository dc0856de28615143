// Package errors provides error classification and exit code mapping for fleetsh.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ExitNoTargets is the process exit code used when resolution yields no usable targets
const ExitNoTargets = 10

// ErrorType represents the classification of errors
type ErrorType int

const (
	// ConfigurationErrorType represents a run with no usable targets; it maps to exit code 10
	ConfigurationErrorType ErrorType = iota

	// ConnectionErrorType represents per-host transport or auth failures
	ConnectionErrorType

	// AuthenticationErrorType represents SSH authentication failures
	AuthenticationErrorType

	// ExecutionErrorType represents a remote refusing to start a command
	ExecutionErrorType

	// ExternalToolErrorType represents a launcher binary that is missing or failed
	ExternalToolErrorType

	// UnknownErrorType represents unclassified errors
	UnknownErrorType
)

// String returns a string representation of the error type
func (et ErrorType) String() string {
	switch et {
	case ConfigurationErrorType:
		return "configuration"
	case ConnectionErrorType:
		return "connection"
	case AuthenticationErrorType:
		return "authentication"
	case ExecutionErrorType:
		return "execution"
	case ExternalToolErrorType:
		return "external-tool"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps an error with classification information
type ClassifiedError struct {
	Type     ErrorType
	Host     string // Host the error relates to, if any
	Message  string
	Remedy   string // Suggested fix shown to the operator, if known
	Original error
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	var b strings.Builder
	if ce.Host != "" {
		b.WriteString(ce.Host)
		b.WriteString(": ")
	}
	switch {
	case ce.Message != "" && ce.Original != nil:
		fmt.Fprintf(&b, "%s: %v", ce.Message, ce.Original)
	case ce.Message != "":
		b.WriteString(ce.Message)
	case ce.Original != nil:
		b.WriteString(ce.Original.Error())
	default:
		b.WriteString("unknown error")
	}
	if ce.Remedy != "" {
		b.WriteString(". ")
		b.WriteString(ce.Remedy)
	}
	return b.String()
}

// Unwrap returns the original error for error unwrapping
func (ce *ClassifiedError) Unwrap() error {
	return ce.Original
}

// WithHost returns a copy of the error attributed to host
func (ce *ClassifiedError) WithHost(host string) *ClassifiedError {
	c := *ce
	c.Host = host
	return &c
}

// ClassifyError analyzes an error and returns its classification.
// Errors that are already classified are returned unchanged.
func ClassifyError(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce
	}

	errStr := strings.ToLower(err.Error())

	if isAuthenticationError(errStr) {
		return &ClassifiedError{Type: AuthenticationErrorType, Original: err}
	}
	if isConnectionError(errStr) {
		return &ClassifiedError{Type: ConnectionErrorType, Original: err}
	}

	return &ClassifiedError{Type: UnknownErrorType, Original: err}
}

// IsType reports whether err classifies as errorType
func IsType(err error, errorType ErrorType) bool {
	if err == nil {
		return false
	}
	return ClassifyError(err).Type == errorType
}

// isAuthenticationError checks if an error is related to SSH authentication
func isAuthenticationError(errStr string) bool {
	authKeywords := []string{
		"authentication failed",
		"auth fail",
		"unable to authenticate",
		"no supported methods remain",
		"permission denied (publickey",
		"access denied",
	}

	for _, keyword := range authKeywords {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}

	return false
}

// isConnectionError checks if an error is related to network connectivity
func isConnectionError(errStr string) bool {
	connectionKeywords := []string{
		"connection refused",
		"connection reset",
		"connection closed",
		"network is unreachable",
		"no route to host",
		"no such host",
		"broken pipe",
		"handshake failed",
		"i/o timeout",
		"unexpected eof",
		"knownhosts",
		"host key",
	}

	for _, keyword := range connectionKeywords {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}

	return false
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(message, remedy string) *ClassifiedError {
	return &ClassifiedError{
		Type:    ConfigurationErrorType,
		Message: message,
		Remedy:  remedy,
	}
}

// NewConnectionError creates a new connection error for host. Failures the
// server reports as rejected credentials become authentication errors.
func NewConnectionError(host string, original error) *ClassifiedError {
	if isAuthenticationError(strings.ToLower(original.Error())) {
		return NewAuthenticationError(host, original)
	}
	return &ClassifiedError{
		Type:     ConnectionErrorType,
		Host:     host,
		Message:  "connection failed",
		Original: original,
	}
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(host string, original error) *ClassifiedError {
	return &ClassifiedError{
		Type:     AuthenticationErrorType,
		Host:     host,
		Message:  "authentication failed",
		Original: original,
	}
}

// NewExecutionError creates a new execution error for a command the remote would not start
func NewExecutionError(host, command string, original error) *ClassifiedError {
	return &ClassifiedError{
		Type:     ExecutionErrorType,
		Host:     host,
		Message:  fmt.Sprintf("remote refused to execute command %q", command),
		Original: original,
	}
}

// NewExternalToolError creates a new external tool error
func NewExternalToolError(tool string, original error, remedy string) *ClassifiedError {
	return &ClassifiedError{
		Type:     ExternalToolErrorType,
		Message:  fmt.Sprintf("%s failed", tool),
		Remedy:   remedy,
		Original: original,
	}
}

// ExitStatusError carries a non-zero aggregate remote exit status
type ExitStatusError struct {
	Status int
}

func (e *ExitStatusError) Error() string {
	return fmt.Sprintf("remote command exited with status %d", e.Status)
}

// ExitCode determines the process exit code for err:
//   - 0: success
//   - 10: no usable targets (configuration error)
//   - n: aggregate remote exit status
//   - 1: any other fatal error
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *ExitStatusError
	if stderrors.As(err, &exitErr) {
		return exitErr.Status
	}

	var ce *ClassifiedError
	if stderrors.As(err, &ce) && ce.Type == ConfigurationErrorType {
		return ExitNoTargets
	}

	return 1
}

// ErrorCollector collects and categorizes per-host errors
type ErrorCollector struct {
	errors map[ErrorType][]error
	count  int
}

// NewErrorCollector creates a new error collector
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{
		errors: make(map[ErrorType][]error),
	}
}

// Add adds an error to the collector
func (ec *ErrorCollector) Add(err error) {
	if err == nil {
		return
	}

	classified := ClassifyError(err)
	ec.errors[classified.Type] = append(ec.errors[classified.Type], err)
	ec.count++
}

// Count returns the total number of errors
func (ec *ErrorCollector) Count() int {
	return ec.count
}

// CountByType returns the number of errors of a specific type
func (ec *ErrorCollector) CountByType(errorType ErrorType) int {
	return len(ec.errors[errorType])
}

// Errors returns every collected error
func (ec *ErrorCollector) Errors() []error {
	var all []error
	for _, errs := range ec.errors {
		all = append(all, errs...)
	}
	return all
}

// Summary returns a summary of all collected errors
func (ec *ErrorCollector) Summary() string {
	if ec.count == 0 {
		return "no errors"
	}

	var parts []string
	for errorType, errs := range ec.errors {
		if len(errs) > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", len(errs), errorType.String()))
		}
	}
	sort.Strings(parts)

	return fmt.Sprintf("total: %d errors (%s)", ec.count, strings.Join(parts, ", "))
}
