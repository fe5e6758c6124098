package store

import "errors"

var (
	ErrNotFound   = errors.New("record not found")
	ErrStaleWrite = errors.New("stale write: version mismatch")
)
