package ytdlp

import "errors"

var (
	// ErrInvalidInput is returned for a playlist URL or format that is
	// rejected before any process starts.
	ErrInvalidInput = errors.New("invalid input")
	// ErrSetup is returned when the output directory cannot be created.
	ErrSetup = errors.New("setup failed")
	// ErrEnumeration is returned when counting playlist items fails or times out.
	ErrEnumeration = errors.New("enumeration failed")
	// ErrToolFailure is returned when the download process exits non-zero.
	ErrToolFailure = errors.New("download tool failed")
)
