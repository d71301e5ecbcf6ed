package entity

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrConflict          = errors.New("job state changed concurrently")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrNotOwner          = errors.New("job does not belong to requester")
	ErrNotCancellable    = errors.New("job can no longer be cancelled")
	ErrNotReady          = errors.New("job output not ready")
	ErrExpired           = errors.New("job output has expired")
	ErrUnsupportedFormat = errors.New("unsupported video format")
	ErrTooLarge          = errors.New("video exceeds maximum size")
	ErrInvalidFilename   = errors.New("invalid video filename")
	ErrArtifactNotFound  = errors.New("artifact not found")
	ErrUnknownEventType  = errors.New("unknown event type")
	ErrRecipientNotFound = errors.New("notification recipient not found")
)

// ErrorCode is the structured failure kind persisted on FAILED jobs and
// carried in job.failed events.
type ErrorCode string

const (
	CodeTransientIO      ErrorCode = "TRANSIENT_IO"
	CodeFFmpeg           ErrorCode = "FFMPEG_ERROR"
	CodeFFmpegCodec      ErrorCode = "FFMPEG_CODEC_ERROR"
	CodeFFmpegTimeout    ErrorCode = "FFMPEG_TIMEOUT"
	CodeNoFrames         ErrorCode = "NO_FRAMES"
	CodeMalformedMessage ErrorCode = "MALFORMED_MESSAGE"
	CodeJobNotFound      ErrorCode = "JOB_NOT_FOUND"
	CodeNotification     ErrorCode = "NOTIFICATION_ERROR"
	CodeProcessing       ErrorCode = "PROCESSING_ERROR"
)

// CodedError attaches an ErrorCode to an underlying error.
type CodedError struct {
	Code ErrorCode
	Err  error
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodedError) Unwrap() error { return e.Err }

func WithCode(code ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Err: err}
}

// CodeOf returns the outermost code in err's chain, or fallback.
func CodeOf(err error, fallback ErrorCode) ErrorCode {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return fallback
}
