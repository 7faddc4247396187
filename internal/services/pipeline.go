package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Lllllllleong/pdf2epub/internal/models"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Stage is one directory-to-directory phase of the pipeline.
type Stage interface {
	Phase() models.Stage
	InputDir() string
	// Extension selects the input files, e.g. ".pdf".
	Extension() string
	// Prepare runs once per phase before any document. Its error aborts the phase.
	Prepare(ctx context.Context) error
	// Process handles one document and returns its manifest record.
	Process(ctx context.Context, inputPath string) (models.Document, error)
}

// PhaseReport summarises one phase run.
type PhaseReport struct {
	Phase     models.Stage
	Found     int
	Succeeded int
	Failed    int
	// Err is set when the phase did not run: a PreconditionError or a missing input directory.
	Err error
}

// ErrInputDirMissing is returned when a phase's input directory does not exist.
var ErrInputDirMissing = errors.New("input directory does not exist")

// Pipeline runs the stages in order. Stages communicate only through their directories.
type Pipeline struct {
	stages      []Stage
	concurrency int
	recorder    recorder
}

// NewPipeline returns a pipeline running stages in the given order with at most concurrency
// documents in flight per phase. A nil manifest disables manifest recording.
func NewPipeline(stages []Stage, concurrency int, manifest ManifestStore) *Pipeline {
	if manifest == nil {
		manifest = NopManifest{}
	}
	return &Pipeline{
		stages:      stages,
		concurrency: max(concurrency, 1),
		recorder:    recorder{store: manifest, runID: uuid.NewString(), now: time.Now},
	}
}

// Run executes every phase in order. A failed phase never prevents the next one from running.
func (p *Pipeline) Run(ctx context.Context) []PhaseReport {
	slog.Info("Starting batch.", "runId", p.recorder.runID)
	reports := make([]PhaseReport, 0, len(p.stages))
	for _, stage := range p.stages {
		reports = append(reports, p.runStage(ctx, stage))
	}
	slog.Info("Batch complete.", "runId", p.recorder.runID)
	return reports
}

// RunPhase executes a single phase.
func (p *Pipeline) RunPhase(ctx context.Context, phase models.Stage) (PhaseReport, error) {
	for _, stage := range p.stages {
		if stage.Phase() == phase {
			report := p.runStage(ctx, stage)
			return report, nil
		}
	}
	return PhaseReport{}, fmt.Errorf("unknown phase %q", phase)
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage) PhaseReport {
	phase := stage.Phase()
	logCtx := slog.With("phase", phase)
	report := PhaseReport{Phase: phase}

	files, err := listInputs(stage.InputDir(), stage.Extension())
	if err != nil {
		logCtx.Error("Cannot read input directory.", "dir", stage.InputDir(), "error", err)
		report.Err = err
		return report
	}
	report.Found = len(files)
	if len(files) == 0 {
		logCtx.Info("No input files found, phase setup skipped.", "dir", stage.InputDir(), "extension", stage.Extension())
		return report
	}

	if err := stage.Prepare(ctx); err != nil {
		logCtx.Error("Phase aborted.", "error", err)
		report.Err = err
		return report
	}
	logCtx.Info("Processing files.", "count", len(files), "concurrency", p.concurrency)

	var mu sync.Mutex
	eg := new(errgroup.Group)
	eg.SetLimit(p.concurrency)
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			docLog := logCtx.With("stem", stemOf(path))
			docLog.Info("Processing document.", "input", path)

			doc, err := stage.Process(ctx, path)
			if err != nil {
				docLog.Error("Document failed, skipping.", "error", err)
			}
			p.recorder.record(ctx, docLog, doc, err)

			mu.Lock()
			if err != nil {
				report.Failed++
			} else {
				report.Succeeded++
			}
			mu.Unlock()
			// Document errors never cancel the rest of the phase.
			return nil
		})
	}
	_ = eg.Wait()

	logCtx.Info("Phase complete.", "found", report.Found, "succeeded", report.Succeeded, "failed", report.Failed)
	return report
}

// listInputs returns the files in dir with the given extension, sorted by name.
func listInputs(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", dir, ErrInputDirMissing)
		}
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ext) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// stemOf returns the file name without its extension.
func stemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
