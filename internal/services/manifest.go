package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/pdf2epub/internal/config"
	"github.com/Lllllllleong/pdf2epub/internal/gcp"
	"github.com/Lllllllleong/pdf2epub/internal/models"
)

// ManifestStore records the outcome of each document at each stage.
type ManifestStore interface {
	Record(ctx context.Context, doc models.Document) error
}

// NopManifest discards every record. It is used when no manifest backend is configured.
type NopManifest struct{}

func (NopManifest) Record(context.Context, models.Document) error { return nil }

// FirestoreManifest keeps one Firestore document per stem and stage.
type FirestoreManifest struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreManifest connects to Firestore using the manifest configuration.
func NewFirestoreManifest(ctx context.Context, cfg config.ManifestConfig) (*FirestoreManifest, error) {
	client, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest store: %w", err)
	}
	slog.Info("Firestore manifest initialized.", "projectId", cfg.ProjectID, "collection", cfg.Collection)
	return &FirestoreManifest{client: client, collection: cfg.Collection}, nil
}

// Record overwrites the record of doc.Stem at doc.Stage.
func (m *FirestoreManifest) Record(ctx context.Context, doc models.Document) error {
	ref := m.client.Collection(m.collection).Doc(manifestID(doc.Stem, doc.Stage))
	if _, err := ref.Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to write manifest record %s: %w", ref.ID, err)
	}
	return nil
}

func (m *FirestoreManifest) Close() error {
	return m.client.Close()
}

func manifestID(stem string, stage models.Stage) string {
	return fmt.Sprintf("%s__%s", stem, stage)
}

// recorder stamps records with the run ID and never lets a manifest failure affect the batch.
type recorder struct {
	store ManifestStore
	runID string
	now   func() time.Time
}

func (r recorder) record(ctx context.Context, logCtx *slog.Logger, doc models.Document, err error) {
	doc.RunID = r.runID
	doc.UpdatedAt = r.now()
	if doc.Status == "" {
		doc.Status = models.StatusSucceeded
		if err != nil {
			doc.Status = models.StatusFailed
		}
	}
	if err != nil {
		doc.ErrorDetails = err.Error()
	}
	if recErr := r.store.Record(ctx, doc); recErr != nil {
		logCtx.Error("Failed to update manifest.", "updateError", recErr, "status", doc.Status)
	}
}
