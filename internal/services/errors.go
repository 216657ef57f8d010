package services

import (
	"errors"
	"fmt"
)

// Error codes returned to clients. These are the only verification
// details that leave the service; key and signature material never do.
const (
	CodeMalformedToken         = "MalformedToken"
	CodeUnsupportedAlgorithm   = "UnsupportedAlgorithm"
	CodeKeyNotFound            = "KeyNotFound"
	CodeNoVerificationMaterial = "NoVerificationMaterial"
	CodeSignatureInvalid       = "SignatureInvalid"
	CodeInvalidPayload         = "InvalidPayload"
	CodeRevoked                = "Revoked"
	CodeProductMismatch        = "ProductMismatch"
	CodeBundleMismatch         = "BundleMismatch"
	CodeDuplicateTransaction   = "DuplicateTransaction"
	CodeUnknownProduct         = "UnknownProduct"
	CodeStorageFailure         = "StorageFailure"
	CodeRateLimitExceeded      = "RateLimitExceeded"
)

// VerificationError carries a stable error code alongside a short,
// client-safe message.
type VerificationError struct {
	Code    string
	Message string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewVerificationError creates a VerificationError with the given code
func NewVerificationError(code, format string, v ...interface{}) *VerificationError {
	return &VerificationError{
		Code:    code,
		Message: fmt.Sprintf(format, v...),
	}
}

// ErrorCode extracts the taxonomy code from an error chain.
// Errors without a VerificationError are treated as storage failures.
func ErrorCode(err error) string {
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr.Code
	}
	return CodeStorageFailure
}
