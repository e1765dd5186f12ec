package usgs

import "fmt"

// Service error codes returned in the errorCode field of every M2M response.
const (
	codeAuthInvalid      = "AUTH_INVALID"
	codeAuthKeyInvalid   = "AUTH_KEY_INVALID"
	codeAuthUnauthorized = "AUTH_UNAUTHORIZED"
	codeRateLimit        = "RATE_LIMIT"
	codeDatasetAuth      = "DATASET_AUTH"
)

// AuthenticationError represents credential verification failures, including
// expired or invalid auth tokens.
type AuthenticationError struct {
	Endpoint string // The endpoint that rejected the request
	Code     string // The service error code (AUTH_INVALID or AUTH_KEY_INVALID)
	Message  string // Error message supplied by the service
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s: %s: %s", e.Endpoint, e.Code, e.Message)
}

// UnauthorizedError indicates the account does not have access to the
// requested endpoint.
type UnauthorizedError struct {
	Endpoint string
	Message  string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized during %s: %s", e.Endpoint, e.Message)
}

// RateLimitError is a transient failure returned when the service throttles
// the caller. The client retries the request once after a fixed delay before
// letting this error propagate.
type RateLimitError struct {
	Endpoint string
	Message  string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited during %s: %s", e.Endpoint, e.Message)
}

// DatasetAuthError indicates the account is not authorized for a specific
// dataset. The option resolver recovers from this locally and treats it as
// zero download candidates.
type DatasetAuthError struct {
	Endpoint string
	Message  string
}

func (e *DatasetAuthError) Error() string {
	return fmt.Sprintf("dataset not authorized during %s: %s", e.Endpoint, e.Message)
}

// ServiceError is the catch-all for any other non-empty service error code.
type ServiceError struct {
	Endpoint string
	Code     string
	Message  string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error during %s: %s: %s", e.Endpoint, e.Code, e.Message)
}

// mapServiceError translates a service-supplied error code into the typed
// error taxonomy. An empty code means success and maps to nil.
func mapServiceError(endpoint, code, message string) error {
	switch code {
	case "":
		return nil
	case codeAuthInvalid, codeAuthKeyInvalid:
		return &AuthenticationError{Endpoint: endpoint, Code: code, Message: message}
	case codeAuthUnauthorized:
		return &UnauthorizedError{Endpoint: endpoint, Message: message}
	case codeRateLimit:
		return &RateLimitError{Endpoint: endpoint, Message: message}
	case codeDatasetAuth:
		return &DatasetAuthError{Endpoint: endpoint, Message: message}
	default:
		return &ServiceError{Endpoint: endpoint, Code: code, Message: message}
	}
}
