package wal

import (
	"seglog/storage/aol"

	"github.com/pkg/errors"
)

var (
	ErrClosed         = aol.ErrClosed
	ErrEmpty          = aol.ErrEmpty
	ErrOutOfRange     = aol.ErrOutOfRange
	ErrIncompleteRead = aol.ErrIncompleteRead
	ErrCorruptHeader  = aol.ErrCorruptHeader

	ErrInvalidOptions = errors.New("invalid options")
	ErrLocked         = errors.New("directory locked by another log")
)
