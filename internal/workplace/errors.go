package workplace

import "errors"

var (
	// ErrNotFound indicates a referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates malformed caller input that never reached SQL.
	ErrInvalidInput = errors.New("invalid input")
)
