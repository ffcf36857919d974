package firmware

import "errors"

// Errors returned by the descriptor and artifact stores. Callers match them
// with errors.Is; the wrapped message carries the detail.
var (
	ErrValidation        = errors.New("validation failed")
	ErrUnsupportedFormat = errors.New("unsupported firmware format")
	ErrSizeLimit         = errors.New("firmware exceeds size limit")
	ErrPathEscape        = errors.New("invalid file name")
	ErrProtected         = errors.New("resource is protected")
	ErrNotFound          = errors.New("firmware not found")
	ErrIO                = errors.New("storage failure")
)
