package domain

import "errors"

// Code is a stable, client-visible reason code.
type Code string

const (
	CodeAuthentication    Code = "authentication_error"
	CodeNotAuthenticated  Code = "not_authenticated"
	CodeNotStreaming      Code = "not_streaming"
	CodeAlreadyStreaming  Code = "already_streaming"
	CodeIntegrityMismatch Code = "integrity_mismatch"
	CodeSignatureInvalid  Code = "signature_invalid"
	CodeKeyNotFound       Code = "key_not_found"
	CodeBufferFull        Code = "buffer_full"
	CodeTranscoderFailed  Code = "transcoder_failed"
	CodePersistence       Code = "persistence_error"
	CodeInternal          Code = "internal_error"
)

// Error is an ingest failure carrying a reason code.
// Two errors match under errors.Is when their codes are equal.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is implements errors.Is matching on the code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	// ErrAuthentication is returned for bad credentials or an invalid or expired token.
	ErrAuthentication = &Error{Code: CodeAuthentication, Message: "authentication failed"}

	// ErrNotAuthenticated is returned when an operation requires an authenticated session.
	ErrNotAuthenticated = &Error{Code: CodeNotAuthenticated, Message: "session is not authenticated"}

	// ErrNotStreaming is returned when an operation requires a live stream.
	ErrNotStreaming = &Error{Code: CodeNotStreaming, Message: "session is not streaming"}

	// ErrAlreadyStreaming is returned when a session already owns a stream.
	ErrAlreadyStreaming = &Error{Code: CodeAlreadyStreaming, Message: "session is already streaming"}

	// ErrIntegrityMismatch is returned when a frame checksum does not match its payload.
	ErrIntegrityMismatch = &Error{Code: CodeIntegrityMismatch, Message: "frame checksum mismatch"}

	// ErrSignatureInvalid is returned when a frame signature does not verify.
	ErrSignatureInvalid = &Error{Code: CodeSignatureInvalid, Message: "frame signature invalid"}

	// ErrKeyNotFound is returned when no public key is on record for the producer.
	ErrKeyNotFound = &Error{Code: CodeKeyNotFound, Message: "public key not found"}

	// ErrBufferFull is an advisory error: the frame was dropped, the stream continues.
	ErrBufferFull = &Error{Code: CodeBufferFull, Message: "frame buffer full, frame dropped"}

	// ErrTranscoderFailed is returned when the transcoder process cannot run or exits unexpectedly.
	ErrTranscoderFailed = &Error{Code: CodeTranscoderFailed, Message: "transcoder failed"}

	// ErrPersistence is logged when a stream record cannot be written.
	ErrPersistence = &Error{Code: CodePersistence, Message: "stream record persistence failed"}
)

// CodeOf returns the reason code carried by err, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsFrameError reports whether err only concerns a single frame and leaves
// the session running.
func IsFrameError(err error) bool {
	switch CodeOf(err) {
	case CodeIntegrityMismatch, CodeSignatureInvalid, CodeKeyNotFound, CodeBufferFull:
		return true
	}
	return false
}
