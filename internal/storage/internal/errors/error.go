package errors

import "errors"

var (
	ErrItemNotFound    = errors.New("item not found")
	ErrInvalidArgument = errors.New("invalid argument")
)
