// Package errors provides standardized error codes for the autox hub.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (hub, session, dispatch, codec, ...)
//   - error: The specific error type within that domain
//
// Codes are stable and surface through the local control API, so CLI clients
// can branch on them. Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Hub domain - lifecycle of the listening endpoint
	CodeHubNotRunning = "hub.not_running" // Operation requires a running hub
	CodeHubBindFailed = "hub.bind_failed" // Listener could not be created

	// Session domain - one device connection
	CodeSessionNotFound        = "session.not_found"        // No session with that id
	CodeSessionClosed          = "session.closed"           // Session is closing or closed
	CodeSessionWriteFailed     = "session.write_failed"     // Frame write failed
	CodeSessionHandshakeFailed = "session.handshake_failed" // hello payload could not be decoded

	// Dispatch domain - command delivery
	CodeDispatchNoDevices        = "dispatch.no_devices"        // Nothing registered to send to
	CodeDispatchUnknownDevice    = "dispatch.unknown_device"    // Explicit target is not connected
	CodeDispatchChecksumMismatch = "dispatch.checksum_mismatch" // Envelope md5 does not match payload
	CodeDispatchNotBinary        = "dispatch.not_binary"        // Binary payload with a text command
	CodeDispatchCancelled        = "dispatch.cancelled"         // Context ended before delivery

	// Codec domain - wire format
	CodeCodecInvalidJSON     = "codec.invalid_json"     // Frame is not valid JSON
	CodeCodecUnknownCommand  = "codec.unknown_command"  // Unknown command token
	CodeCodecUnknownEnvelope = "codec.unknown_envelope" // Unknown envelope type token
	CodeCodecInvalidHello    = "codec.invalid_hello"    // hello data has no usable device info

	// Bundle domain - script and project packaging
	CodeBundleNotDirectory = "bundle.not_directory" // Project path is not a directory
	CodeBundleEmpty        = "bundle.empty"         // Directory has no files to send
	CodeBundleNotProject   = "bundle.not_project"   // No project.json/package.json
	CodeBundleNotScript    = "bundle.not_script"    // File is not a .js/.cjs/.mjs script
	CodeBundleReadFailed   = "bundle.read_failed"   // File system read failed

	// Storage domain - connection history
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// API domain - local control endpoints
	CodeAPIBadRequest = "api.bad_request" // Malformed request body or parameters
	CodeAPIForbidden  = "api.forbidden"   // Non-loopback caller

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal server error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "dispatch.no_devices")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to API responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors for frequently used error types.

// NotRunning creates a "hub.not_running" error.
func NotRunning() *CodedError {
	return New(CodeHubNotRunning, "hub is not running")
}

// BindFailed creates a "hub.bind_failed" error.
func BindFailed(addr string, cause error) *CodedError {
	return Wrap(CodeHubBindFailed, fmt.Sprintf("failed to listen on %s", addr), cause)
}

// SessionNotFound creates a "session.not_found" error.
func SessionNotFound(sessionID string) *CodedError {
	return New(CodeSessionNotFound, fmt.Sprintf("session %s not found", sessionID))
}

// SessionClosed creates a "session.closed" error.
func SessionClosed(sessionID string) *CodedError {
	return New(CodeSessionClosed, fmt.Sprintf("session %s is closed", sessionID))
}

// HandshakeFailed creates a "session.handshake_failed" error.
func HandshakeFailed(sessionID string, cause error) *CodedError {
	return Wrap(CodeSessionHandshakeFailed, fmt.Sprintf("session %s sent an unusable hello", sessionID), cause)
}

// WriteFailed creates a "session.write_failed" error.
func WriteFailed(sessionID string, cause error) *CodedError {
	return Wrap(CodeSessionWriteFailed, fmt.Sprintf("write to session %s failed", sessionID), cause)
}

// NoDevices creates a "dispatch.no_devices" error.
func NoDevices() *CodedError {
	return New(CodeDispatchNoDevices, "no devices connected")
}

// UnknownDevice creates a "dispatch.unknown_device" error.
func UnknownDevice(sessionID string) *CodedError {
	return New(CodeDispatchUnknownDevice, fmt.Sprintf("device %s is not connected", sessionID))
}

// ChecksumMismatch creates a "dispatch.checksum_mismatch" error.
func ChecksumMismatch(want, got string) *CodedError {
	return New(CodeDispatchChecksumMismatch, fmt.Sprintf("envelope md5 %s does not match payload md5 %s", want, got))
}

// InvalidJSON creates a "codec.invalid_json" error.
func InvalidJSON(cause error) *CodedError {
	return Wrap(CodeCodecInvalidJSON, "invalid JSON frame", cause)
}

// BadRequest creates an "api.bad_request" error.
func BadRequest(reason string) *CodedError {
	return New(CodeAPIBadRequest, reason)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}

// nextActions maps codes a CLI user can act on to a short remediation hint.
var nextActions = map[string]string{
	CodeHubNotRunning:            "start the hub with 'autox serve'",
	CodeHubBindFailed:            "pick another port with --port or stop the process holding it",
	CodeDispatchNoDevices:        "open the AutoX app on the device and connect to the hub URL (see 'autox qr')",
	CodeDispatchUnknownDevice:    "list connected devices with 'autox devices'",
	CodeDispatchChecksumMismatch: "re-send the project; the bundle changed while it was being sent",
	CodeSessionNotFound:          "list connected devices with 'autox devices'",
	CodeSessionHandshakeFailed:   "update the AutoX app; its hello carried no device name",
	CodeBundleEmpty:              "add at least one file to the project directory",
	CodeBundleNotProject:         "add a project.json to the directory or use save-project",
	CodeBundleNotScript:          "only .js, .cjs and .mjs files can be sent as scripts",
	CodeAPIForbidden:             "run control commands on the machine hosting the hub",
}

// GetNextAction returns a remediation hint for the code, or "" when none applies.
func GetNextAction(code string) string {
	return nextActions[code]
}
