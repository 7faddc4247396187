package models

import "time"

// Stage names a pipeline phase.
type Stage string

const (
	StageTrim Stage = "trim"
	StageOCR  Stage = "ocr"
	StageEpub Stage = "epub"
)

// Status values recorded for a document at a stage.
const (
	StatusSucceeded = "SUCCEEDED"
	StatusPartial   = "PARTIAL"
	StatusFailed    = "FAILED"
)

// Document is the manifest record for one document at one stage.
// It tracks the outcome of the last run so partial batches can be inspected and resumed.
type Document struct {
	Stem         string    `firestore:"stem,omitempty"`
	Stage        Stage     `firestore:"stage,omitempty"`
	Status       string    `firestore:"status,omitempty"`
	ErrorDetails string    `firestore:"errorDetails,omitempty"`
	SourcePath   string    `firestore:"sourcePath,omitempty"`
	OutputPath   string    `firestore:"outputPath,omitempty"`
	PageCount    int       `firestore:"pageCount,omitempty"`
	ImageCount   int       `firestore:"imageCount,omitempty"`
	RunID        string    `firestore:"runId,omitempty"` // For traceability
	UpdatedAt    time.Time `firestore:"updatedAt,omitempty"`
}
