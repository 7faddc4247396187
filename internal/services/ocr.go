package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Lllllllleong/pdf2epub/internal/config"
	"github.com/Lllllllleong/pdf2epub/internal/models"
)

const releaseTimeout = 30 * time.Second

// OCRClient is the remote OCR service. Handles returned by Upload must be released with Delete.
type OCRClient interface {
	Upload(ctx context.Context, content []byte, filename string) (string, error)
	Process(ctx context.Context, handle string, includeImages bool) ([]models.Page, error)
	Delete(ctx context.Context, handle string) error
}

// Reconstruction is the result of OCR for one document.
type Reconstruction struct {
	MarkdownPath string
	Markdown     string
	Images       []models.ImageFile
	// Warnings holds one *AssetWarning per image that could not be persisted.
	Warnings  []error
	PageCount int
}

// OCROrchestrator turns masked PDFs into markdown files plus an image folder per document.
type OCROrchestrator struct {
	client    OCRClient
	inputDir  string
	outputDir string
	config    config.OCRConfig
	sleep     func(context.Context, time.Duration) error
}

func NewOCROrchestrator(cfg *config.Config, client OCRClient) *OCROrchestrator {
	return &OCROrchestrator{
		client:    client,
		inputDir:  cfg.TrimDir,
		outputDir: cfg.OCRDir,
		config:    cfg.OCR,
		sleep:     sleepContext,
	}
}

func (o *OCROrchestrator) Phase() models.Stage { return models.StageOCR }
func (o *OCROrchestrator) InputDir() string    { return o.inputDir }
func (o *OCROrchestrator) Extension() string   { return ".pdf" }

// Prepare creates the output directory and checks that the service can be called.
func (o *OCROrchestrator) Prepare(ctx context.Context) error {
	if err := os.MkdirAll(o.outputDir, 0o755); err != nil {
		return &PreconditionError{Phase: models.StageOCR, Reason: "cannot create output directory " + o.outputDir, Err: err}
	}
	if o.client == nil || !o.config.HasCredential() {
		return &PreconditionError{Phase: models.StageOCR, Reason: "MISTRAL_API_KEY is not set"}
	}
	return nil
}

func (o *OCROrchestrator) Process(ctx context.Context, inputPath string) (models.Document, error) {
	stem := stemOf(inputPath)
	doc := models.Document{Stem: stem, Stage: models.StageOCR, SourcePath: inputPath}

	rec, err := o.Reconstruct(ctx, inputPath)
	if err != nil {
		return doc, err
	}
	doc.OutputPath = rec.MarkdownPath
	doc.PageCount = rec.PageCount
	doc.ImageCount = len(rec.Images)
	if len(rec.Warnings) > 0 {
		doc.Status = models.StatusPartial
		doc.ErrorDetails = errors.Join(rec.Warnings...).Error()
	}
	return doc, nil
}

// Reconstruct uploads inputPath, runs OCR on it, saves the embedded images under <ocr>/<stem>/ and
// writes the page markdown, in service order, to <ocr>/<stem>.md. The uploaded file is released on
// every path once the upload succeeded.
func (o *OCROrchestrator) Reconstruct(ctx context.Context, inputPath string) (*Reconstruction, error) {
	stem := stemOf(inputPath)
	logCtx := slog.With("phase", models.StageOCR, "stem", stem)

	content, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, &DocumentError{Stem: stem, Op: "read input", Err: err}
	}

	imageDir := filepath.Join(o.outputDir, stem)
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return nil, &DocumentError{Stem: stem, Op: "create image folder", Err: err}
	}

	var handle string
	var timedOut bool
	err = o.withRetry(ctx, logCtx, "upload", func(callCtx context.Context) error {
		if timedOut {
			// The service may have stored the earlier attempt without us ever seeing its handle.
			logCtx.Warn("Retrying a timed out upload; a remote file from the earlier attempt may be left behind undeleted.")
		}
		var uploadErr error
		handle, uploadErr = o.client.Upload(callCtx, content, filepath.Base(inputPath))
		timedOut = uploadErr != nil && isTimeout(uploadErr)
		return uploadErr
	})
	if err != nil {
		logCtx.Error("Upload failed.", "error", err)
		return nil, &DocumentError{Stem: stem, Op: "upload", Err: err}
	}
	logCtx = logCtx.With("handle", handle)
	logCtx.Info("Uploaded document.")
	defer o.release(ctx, logCtx, handle)

	var pages []models.Page
	err = o.withRetry(ctx, logCtx, "process", func(callCtx context.Context) error {
		var processErr error
		pages, processErr = o.client.Process(callCtx, handle, true)
		return processErr
	})
	if err != nil {
		logCtx.Error("OCR processing failed.", "error", err)
		return nil, &DocumentError{Stem: stem, Op: "process", Err: err}
	}

	rec := o.assemble(logCtx, stem, imageDir, pages)
	rec.MarkdownPath = filepath.Join(o.outputDir, stem+".md")
	if err := os.WriteFile(rec.MarkdownPath, []byte(rec.Markdown), 0o644); err != nil {
		return nil, &DocumentError{Stem: stem, Op: "write markdown", Err: err}
	}

	if dangling := missingLocalImages(o.outputDir, []byte(rec.Markdown)); len(dangling) > 0 {
		logCtx.Warn("Markdown references images that were not saved.", "references", dangling)
	}
	logCtx.Info("Markdown saved.", "output", rec.MarkdownPath, "pageCount", rec.PageCount, "imageCount", len(rec.Images))
	return rec, nil
}

// assemble persists every page's images and concatenates the rewritten page markdown.
// Image failures are collected as warnings; the reference is still rewritten, and always stays inside
// the document's image folder.
func (o *OCROrchestrator) assemble(logCtx *slog.Logger, stem, imageDir string, pages []models.Page) *Reconstruction {
	rec := &Reconstruction{PageCount: len(pages)}
	var md strings.Builder

	for _, page := range pages {
		targets := make(map[string]string, len(page.Images))
		for _, img := range page.Images {
			if img.ID == "" {
				continue
			}
			targets[img.ID] = imageFileName(img.ID)
			file, err := saveImage(imageDir, stem, img)
			if err != nil {
				warning := &AssetWarning{Stem: stem, ImageID: img.ID, Err: err}
				logCtx.Warn("Failed to save image.", "imageId", img.ID, "page", page.Index, "error", err)
				rec.Warnings = append(rec.Warnings, warning)
				continue
			}
			rec.Images = append(rec.Images, file)
		}
		md.WriteString(rewriteImageRefs(page.Markdown, stem, targets))
		md.WriteString("\n\n")
	}

	rec.Markdown = md.String()
	return rec
}

func saveImage(imageDir, stem string, img models.EmbeddedImage) (models.ImageFile, error) {
	if !validImageID(img.ID) {
		return models.ImageFile{}, fmt.Errorf("image id %q is not a plain file name", img.ID)
	}
	data, err := decodeImageData(img.Data)
	if err != nil {
		return models.ImageFile{}, err
	}
	path := filepath.Join(imageDir, img.ID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return models.ImageFile{}, fmt.Errorf("failed to write image: %w", err)
	}
	return models.ImageFile{ID: img.ID, RelPath: stem + "/" + img.ID, Path: path, Size: len(data)}, nil
}

// release deletes the remote upload exactly once. It runs detached from ctx cancellation so a
// cancelled batch still cleans up, and its failure is only logged.
func (o *OCROrchestrator) release(ctx context.Context, logCtx *slog.Logger, handle string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := o.client.Delete(releaseCtx, handle); err != nil {
		logCtx.Warn("Cleanup: failed to delete remote file.", "error", err)
		return
	}
	logCtx.Info("Cleanup: remote file deleted.")
}

// withRetry runs fn with a per-attempt timeout, retrying transient failures with doubling backoff.
func (o *OCROrchestrator) withRetry(ctx context.Context, logCtx *slog.Logger, op string, fn func(context.Context) error) error {
	maxAttempts := max(o.config.MaxAttempts, 1)
	backoff := o.config.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := func() error {
			callCtx := ctx
			if o.config.CallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, o.config.CallTimeout)
				defer cancel()
			}
			return fn(callCtx)
		}()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !isTransient(err) || attempt == maxAttempts {
			break
		}

		logCtx.Warn(
			"Remote call failed, will retry.",
			"op", op,
			"attempt", attempt,
			"maxAttempts", maxAttempts,
			"backoff", backoff.String(),
			"error", err,
		)
		if err := o.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
	}
	return fmt.Errorf("%s failed: %w", op, lastErr)
}

// isTransient reports whether err is worth retrying. Errors that say so via Temporary() decide
// for themselves; call timeouts are retried; everything else is not.
func isTransient(err error) bool {
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return isTimeout(err)
}

func isTimeout(err error) bool {
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
