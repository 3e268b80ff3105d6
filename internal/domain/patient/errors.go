package patient

import (
	"errors"
	"strings"
)

var (
	ErrAlreadyExists    = errors.New("patient record already exists")
	ErrNotFound         = errors.New("patient record not found")
	ErrExpunged         = errors.New("patient record expunged")
	ErrConcurrentUpdate = errors.New("patient record modified concurrently")
)

type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, "; ")
}
