package directory

import "errors"

var (
	errNotFound    = errors.New("directory: not found")
	errUnavailable = errors.New("directory: circuit open")
)
