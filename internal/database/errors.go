package database

import "errors"

// Writer lifecycle errors
var (
	ErrManagerClosed  = errors.New("database manager is closed")
	ErrManagerClosing = errors.New("database manager is shutting down")
	ErrWriteTimeout   = errors.New("write operation timeout")
)
