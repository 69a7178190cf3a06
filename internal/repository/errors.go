package repository

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrDuplicate indicates a unique constraint rejected the write.
	ErrDuplicate = errors.New("repository: duplicate")
	// ErrSlugTaken indicates the slug unique index rejected the write.
	ErrSlugTaken = errors.New("repository: slug taken")
)
