package message

import "errors"

var (
	// ErrInvalidURI is returned for malformed or unsupported URIs
	ErrInvalidURI = errors.New("invalid URI")

	// ErrMissingHeader is returned when a correlating header is absent
	ErrMissingHeader = errors.New("missing required header")

	// ErrMissingBranch is returned when the top Via has no branch parameter
	ErrMissingBranch = errors.New("missing Via branch")
)
