package protocol

import "errors"

var (
	// ErrMalformedMessage indicates a frame that is not a valid record.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrFrameTooLarge indicates a frame above MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)
