package aol

import "github.com/pkg/errors"

var (
	ErrClosed         = errors.New("segment closed")
	ErrReadOnly       = errors.New("segment opened read-only")
	ErrEmpty          = errors.New("buffer is empty")
	ErrOutOfRange     = errors.New("offset beyond current position")
	ErrIncompleteRead = errors.New("incomplete read")
	ErrCorruptHeader  = errors.New("corrupted segment header")
	ErrHeaderTooLarge = errors.New("segment header exceeds its size limit")
)
