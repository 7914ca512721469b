package vfs

import "errors"

// Tree error types.
var (
	ErrNotFound    = errors.New("path not found")
	ErrNotDir      = errors.New("not a directory")
	ErrIsDir       = errors.New("is a directory")
	ErrExists      = errors.New("path already exists")
	ErrInvalidPath = errors.New("invalid path")
)
