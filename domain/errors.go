package domain

import "errors"

var (
	// ErrInternalServerError will throw if any the Internal Server Error happen
	ErrInternalServerError = errors.New("Internal Server Error")
	// ErrNotFound will throw if the requested item is not exists
	ErrNotFound = errors.New("Your requested Item is not found")
	// ErrConflict will throw if the item was changed or already exists
	ErrConflict = errors.New("Your Item already exist or was modified")
	// ErrBadParamInput will throw if the given request-body or params is not valid
	ErrBadParamInput = errors.New("Given Param is not valid")
	// ErrUnauthorized will throw if the caller is not allowed to act on the item
	ErrUnauthorized = errors.New("Unauthorized")

	ErrLockTimeout    = errors.New("lock timeout")
	ErrNotImplemented = errors.New("not implemented")
)
