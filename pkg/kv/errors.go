package kv

import "errors"

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: key not found")

// ErrHeld is returned by Acquire when another worker owns the lease.
var ErrHeld = errors.New("kv: lease held by another worker")
