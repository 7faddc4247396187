package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Lllllllleong/pdf2epub/internal/config"
	"github.com/Lllllllleong/pdf2epub/internal/models"
)

// epubStylesheet centers block images with vertical breathing room and keeps body text readable.
const epubStylesheet = `img {
    display: block;
    margin-left: auto;
    margin-right: auto;
    margin-top: 1.5em;
    margin-bottom: 1.5em;
    max-width: 100%;
    height: auto;
}

figure {
    margin: 1.5em 0;
    text-align: center;
}

body {
    line-height: 1.6;
    font-family: sans-serif;
}
`

// EpubRenderer converts markdown documents to EPUB with an external converter.
type EpubRenderer struct {
	runner         CommandRunner
	publishers     []Publisher
	inputDir       string
	outputDir      string
	stylesheetPath string
	binary         string
	config         config.ConverterConfig
}

func NewEpubRenderer(cfg *config.Config, runner CommandRunner, publishers ...Publisher) *EpubRenderer {
	return &EpubRenderer{
		runner:         runner,
		publishers:     publishers,
		inputDir:       cfg.OCRDir,
		outputDir:      cfg.OutDir,
		stylesheetPath: filepath.Join(cfg.OutDir, cfg.Converter.StylesheetName),
		binary:         cfg.Converter.Binary,
		config:         cfg.Converter,
	}
}

func (r *EpubRenderer) Phase() models.Stage { return models.StageEpub }
func (r *EpubRenderer) InputDir() string    { return r.inputDir }
func (r *EpubRenderer) Extension() string   { return ".md" }

// Prepare writes the shared stylesheet and resolves the converter binary.
func (r *EpubRenderer) Prepare(ctx context.Context) error {
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return &PreconditionError{Phase: models.StageEpub, Reason: "cannot create output directory " + r.outputDir, Err: err}
	}
	if err := os.WriteFile(r.stylesheetPath, []byte(epubStylesheet), 0o644); err != nil {
		return &PreconditionError{Phase: models.StageEpub, Reason: "cannot write stylesheet", Err: err}
	}
	slog.Info("Created stylesheet.", "path", r.stylesheetPath)

	resolved, err := r.runner.LookPath(r.config.Binary)
	if err != nil {
		return &PreconditionError{Phase: models.StageEpub, Reason: fmt.Sprintf("%q is not installed or not in PATH", r.config.Binary), Err: err}
	}
	r.binary = resolved
	return nil
}

// Render converts markdownPath to <out>/<stem>.epub. The converter runs inside the markdown file's
// directory because image references are relative to it.
func (r *EpubRenderer) Render(ctx context.Context, markdownPath string) (string, error) {
	stem := stemOf(markdownPath)
	absMarkdown, err := filepath.Abs(markdownPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", markdownPath, err)
	}
	outputPath, err := filepath.Abs(filepath.Join(r.outputDir, stem+".epub"))
	if err != nil {
		return "", fmt.Errorf("failed to resolve output path: %w", err)
	}
	cssPath, err := filepath.Abs(r.stylesheetPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve stylesheet path: %w", err)
	}

	workDir := filepath.Dir(absMarkdown)
	if md, err := os.ReadFile(absMarkdown); err == nil {
		if missing := missingLocalImages(workDir, md); len(missing) > 0 {
			slog.Warn("Markdown references missing images.", "phase", models.StageEpub, "stem", stem, "references", missing)
		}
	}

	args := []string{
		filepath.Base(absMarkdown),
		"-o", outputPath,
		"--resource-path=.",
		"--metadata", "title=" + stem,
		"--standalone",
		"--mathml",
		"--from=markdown+tex_math_dollars",
		"--webtex",
		"--css", cssPath,
	}

	runCtx := ctx
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}
	if err := r.runner.Run(runCtx, workDir, r.binary, args...); err != nil {
		return "", err
	}
	return outputPath, nil
}

func (r *EpubRenderer) Process(ctx context.Context, markdownPath string) (models.Document, error) {
	stem := stemOf(markdownPath)
	logCtx := slog.With("phase", models.StageEpub, "stem", stem)
	doc := models.Document{Stem: stem, Stage: models.StageEpub, SourcePath: markdownPath}

	out, err := r.Render(ctx, markdownPath)
	if err != nil {
		return doc, &DocumentError{Stem: stem, Op: "convert to EPUB", Err: err}
	}
	doc.OutputPath = out
	logCtx.Info("EPUB created.", "output", out)

	var publishErrs []error
	for _, p := range r.publishers {
		location, err := p.Publish(ctx, out)
		if err != nil {
			logCtx.Error("Failed to publish EPUB.", "error", err)
			publishErrs = append(publishErrs, err)
			continue
		}
		logCtx.Info("EPUB published.", "location", location)
	}
	if len(publishErrs) > 0 {
		return doc, &DocumentError{Stem: stem, Op: "publish", Err: errors.Join(publishErrs...)}
	}
	return doc, nil
}
