package services

import (
	"fmt"

	"github.com/Lllllllleong/pdf2epub/internal/models"
)

// PreconditionError aborts a whole phase: a missing directory, converter binary or credential.
// The pipeline moves on to the next phase.
type PreconditionError struct {
	Phase  models.Stage
	Reason string
	Err    error
}

func (e *PreconditionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s phase: %s: %v", e.Phase, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s phase: %s", e.Phase, e.Reason)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// DocumentError fails a single document. The phase continues with the next one.
type DocumentError struct {
	Stem string
	Op   string
	Err  error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("%s: failed to %s: %v", e.Stem, e.Op, e.Err)
}

func (e *DocumentError) Unwrap() error { return e.Err }

// DocumentOpenError is returned when an input cannot be opened or parsed as a PDF.
type DocumentOpenError struct {
	Path string
	Err  error
}

func (e *DocumentOpenError) Error() string {
	return fmt.Sprintf("failed to open document %s: %v", e.Path, e.Err)
}

func (e *DocumentOpenError) Unwrap() error { return e.Err }

// AssetWarning reports a single image that could not be persisted. The markdown still references it.
type AssetWarning struct {
	Stem    string
	ImageID string
	Err     error
}

func (e *AssetWarning) Error() string {
	return fmt.Sprintf("%s: image %s not saved: %v", e.Stem, e.ImageID, e.Err)
}

func (e *AssetWarning) Unwrap() error { return e.Err }
