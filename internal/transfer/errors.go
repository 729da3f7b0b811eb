package transfer

import "fmt"

// InvalidContentError represents a response whose body or headers cannot be used
// for the requested transfer, such as a Content-Range that does not start at the
// resume offset.
type InvalidContentError struct {
	URL    string // Source of the rejected response
	Reason string // Human-readable explanation of why the content is invalid
	Err    error  // Underlying error, if any
}

func (e *InvalidContentError) Error() string {
	return fmt.Sprintf("invalid content from %s: %s", e.URL, e.Reason)
}

func (e *InvalidContentError) Unwrap() error {
	return e.Err
}

// NetworkError represents network failures and unexpected HTTP responses,
// including 5xx responses, connection resets and timeouts.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "get", "read", "continue")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the server or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure happened below HTTP, where continuing
// from the bytes already received is worthwhile.
func (e *NetworkError) Transient() bool {
	return e.StatusCode == 0
}

// DirectoryError represents failures preparing or writing into a target
// directory, such as a missing directory or denied access.
type DirectoryError struct {
	DirectoryName string // The directory that caused the error
	Reason        string // Human-readable explanation of the directory error
	Err           error  // Underlying error, if any
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory error for '%s': %s", e.DirectoryName, e.Reason)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents 401 Unauthorized and 403 Forbidden responses.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// TokenError represents a resume token that cannot be decoded or no longer
// matches the partial file it refers to.
type TokenError struct {
	Reason string
	Err    error
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid resume token: %s: %v", e.Reason, e.Err)
	}

	return "invalid resume token: " + e.Reason
}

func (e *TokenError) Unwrap() error {
	return e.Err
}
