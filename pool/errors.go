package pool

import "errors"

var (
	// ErrOutOfMemory indicates the pool's budget cannot cover the request.
	ErrOutOfMemory = errors.New("pool: allocation exceeds available memory")

	// ErrTooLarge indicates the block length for the request overflows int.
	ErrTooLarge = errors.New("pool: allocation length overflows block size")

	// ErrBadLength indicates a negative extension length in Options or a
	// negative user length.
	ErrBadLength = errors.New("pool: lengths must be non-negative")
)
