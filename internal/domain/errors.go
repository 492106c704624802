package domain

import "errors"

// Store-level conditions. Callers translate them into user facing errors.
var (
	ErrNotFound        = errors.New("not found")
	ErrNameTaken       = errors.New("name already taken")
	ErrVersionConflict = errors.New("version conflict")
	ErrFrozen          = errors.New("worksheet is frozen")
	ErrNotEmpty        = errors.New("worksheet is not empty")
	ErrInvalidName     = errors.New("invalid name")
	ErrAmbiguous       = errors.New("ambiguous spec")
)
