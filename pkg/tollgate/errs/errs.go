// Package errs defines the error taxonomy shared by the key, quota and
// reconciliation packages, along with the stable codes returned to callers.
package errs

import (
	"errors"
	"net/http"
)

var (
	// ErrInvalidCredential covers both "no such key" and "hash mismatch" so
	// callers cannot probe which prefixes exist.
	ErrInvalidCredential = errors.New("invalid api key")
	ErrNotYetActive      = errors.New("api key is not active yet")
	ErrExpired           = errors.New("api key has expired")
	ErrPlanNotFound      = errors.New("plan not found")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	// ErrLockBusy means another instance owns the job; the run is skipped.
	ErrLockBusy = errors.New("lock busy")
	// ErrHashAlgorithmUnavailable is a deployment error: a stored hash needs
	// an algorithm this process was not built or configured with.
	ErrHashAlgorithmUnavailable = errors.New("hash algorithm unavailable")

	ErrKeyNotFound        = errors.New("api key not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrEndpointNotAllowed = errors.New("endpoint not allowed for plan")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrRateLimited        = errors.New("rate limited")
)

// Stable error codes. These are part of the public API contract.
const (
	CodeInvalidCredential        = "invalid_api_key"
	CodeNotYetActive             = "key_not_yet_active"
	CodeExpired                  = "key_expired"
	CodePlanNotFound             = "plan_not_found"
	CodeQuotaExceeded            = "quota_exceeded"
	CodeLockBusy                 = "lock_busy"
	CodeHashAlgorithmUnavailable = "hash_algorithm_unavailable"
	CodeKeyNotFound              = "key_not_found"
	CodeInvalidInput             = "invalid_input"
	CodeEndpointNotAllowed       = "endpoint_not_allowed"
	CodePayloadTooLarge          = "payload_too_large"
	CodeRateLimited              = "rate_limited"
	CodeInternal                 = "internal_error"
)

type kind struct {
	err    error
	code   string
	status int
}

var kinds = []kind{
	{ErrInvalidCredential, CodeInvalidCredential, http.StatusUnauthorized},
	{ErrNotYetActive, CodeNotYetActive, http.StatusUnauthorized},
	{ErrExpired, CodeExpired, http.StatusUnauthorized},
	{ErrPlanNotFound, CodePlanNotFound, http.StatusNotFound},
	{ErrQuotaExceeded, CodeQuotaExceeded, http.StatusTooManyRequests},
	{ErrLockBusy, CodeLockBusy, http.StatusConflict},
	{ErrHashAlgorithmUnavailable, CodeHashAlgorithmUnavailable, http.StatusInternalServerError},
	{ErrKeyNotFound, CodeKeyNotFound, http.StatusNotFound},
	{ErrInvalidInput, CodeInvalidInput, http.StatusBadRequest},
	{ErrEndpointNotAllowed, CodeEndpointNotAllowed, http.StatusForbidden},
	{ErrPayloadTooLarge, CodePayloadTooLarge, http.StatusRequestEntityTooLarge},
	{ErrRateLimited, CodeRateLimited, http.StatusTooManyRequests},
}

// Code returns the stable code for err, or CodeInternal when err does not
// wrap one of the known sentinels.
func Code(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return CodeInternal
}

// HTTPStatus returns the response status that matches err.
func HTTPStatus(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

var messages = map[string]string{
	CodeInvalidCredential:  "The API key is invalid.",
	CodeNotYetActive:       "The API key is not active yet.",
	CodeExpired:            "The API key has expired.",
	CodeQuotaExceeded:      "The monthly file quota for this API key has been used up.",
	CodeEndpointNotAllowed: "Your plan does not include this endpoint.",
	CodePayloadTooLarge:    "The upload exceeds the size allowed by your plan.",
	CodeRateLimited:        "Too many requests. Try again tomorrow.",
	CodeInvalidInput:       "The request was malformed.",
	CodeLockBusy:           "The job is already running on another instance.",
	"too_many_files":       "Too many files were sent in one request.",
	"unsupported_format":   "The file format is not supported.",
	"dimension_too_large":  "The requested dimensions exceed the plan limit.",
	"timeout":              "Processing took too long and was stopped.",
	"processing_failed":    "The file could not be processed.",
	"upstream_unavailable": "The processing backend is unavailable. Try again later.",
	CodeInternal:           "An internal error occurred.",
}

// Humanize returns a user-safe message for code. Unknown codes get a generic
// message so audit entries are always readable.
func Humanize(code string) string {
	if code == "" {
		return ""
	}
	if msg, ok := messages[code]; ok {
		return msg
	}
	return "The request could not be completed."
}
