package store

import "errors"

// ErrNotFound indicates an unknown application id.
var ErrNotFound = errors.New("store: not found")

// ErrConflict indicates an id collision on create.
var ErrConflict = errors.New("store: already exists")
