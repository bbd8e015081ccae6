package native

import "errors"

// Package errors.
var (
	// ErrNoAdapter is returned by Open when the HAL instance exposes no
	// adapter.
	ErrNoAdapter = errors.New("native: no GPU adapter available")

	// ErrNilDevice is returned when New is given a nil device or queue.
	ErrNilDevice = errors.New("native: HAL device or queue is nil")

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("native: backend closed")

	// ErrNotHAL is returned by NewFromProvider when the provider does not
	// expose HAL types.
	ErrNotHAL = errors.New("native: provider does not expose HAL types")

	// ErrUnaligned is returned for buffer writes whose offset or size is
	// not a multiple of four bytes.
	ErrUnaligned = errors.New("native: buffer write is not 4-byte aligned")
)
