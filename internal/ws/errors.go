package ws

import "errors"

// Failure classes reported to clients as the "code" of a failure reply.
var (
	ErrValidation = errors.New("validation error")
	ErrAuth       = errors.New("not authorized")
	ErrStore      = errors.New("store error")
	ErrNotFound   = errors.New("not found")
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "store"
	}
}
