package models

// APIError is the JSON body returned for every failed request.
type APIError struct {
	Code    string      `json:"code"`              // Application-specific error code (e.g., "CONNECTION_NOT_FOUND", "VALIDATION_ERROR")
	Message string      `json:"message"`           // Human-readable message describing the error
	Details interface{} `json:"details,omitempty"` // Optional extra context, never credentials
}

// Predefined application-specific error codes
const (
	// Generic Errors
	ErrorCodeInternalServerError = "INTERNAL_SERVER_ERROR"
	ErrorCodeRequestTimeout      = "REQUEST_TIMEOUT"
	ErrorCodeUnauthorized        = "UNAUTHORIZED"

	// Input Validation & Data Errors
	ErrorCodeValidation      = "VALIDATION_ERROR"
	ErrorCodeInvalidJSON     = "INVALID_JSON"
	ErrorCodeInvalidIDFormat = "INVALID_ID_FORMAT"
	ErrorCodeMissingTenant   = "MISSING_TENANT"
	ErrorCodeMalformedEvent  = "MALFORMED_EVENT"

	// Resource Specific Errors
	ErrorCodeConnectionNotFound = "CONNECTION_NOT_FOUND"

	// Tenant database errors
	ErrorCodeConnectionFailed = "CONNECTION_FAILED"
	ErrorCodeProvisionFailed  = "PROVISION_FAILED"
	ErrorCodeWriteFailed      = "WRITE_FAILED"

	// Business Logic / State Errors
	ErrorCodeDuplicateName = "DUPLICATE_NAME"
	ErrorCodeIngestFailed  = "INGESTION_FAILED"
)
