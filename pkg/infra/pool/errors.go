package pool

import "errors"

var (
	// ErrPoolClosed is returned when submitting to a released pool.
	ErrPoolClosed = errors.New("pool: closed")
	// ErrPoolNotFound is returned by Manager.Get for an unregistered type.
	ErrPoolNotFound = errors.New("pool: not registered")
	// ErrPoolAlreadyExists is returned when a type is registered twice.
	ErrPoolAlreadyExists = errors.New("pool: already registered")
	// ErrPoolOverload is returned when a non-blocking pool has no free worker
	// and its waiting queue is full.
	ErrPoolOverload = errors.New("pool: overloaded")
)
