package services

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/Lllllllleong/pdf2epub/internal/config"
	"github.com/Lllllllleong/pdf2epub/internal/models"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// HeaderMasker paints a white band over the top of every page of a PDF.
type HeaderMasker struct {
	inputDir     string
	outputDir    string
	headerHeight float64
	pdfConf      *model.Configuration
}

func NewHeaderMasker(cfg *config.Config) *HeaderMasker {
	pdfConf := model.NewDefaultConfiguration()
	pdfConf.ValidationMode = model.ValidationRelaxed
	return &HeaderMasker{
		inputDir:     cfg.RawDir,
		outputDir:    cfg.TrimDir,
		headerHeight: cfg.HeaderHeight,
		pdfConf:      pdfConf,
	}
}

func (m *HeaderMasker) Phase() models.Stage { return models.StageTrim }
func (m *HeaderMasker) InputDir() string    { return m.inputDir }
func (m *HeaderMasker) Extension() string   { return ".pdf" }

// Prepare creates the output directory. Failing to do so aborts the phase.
func (m *HeaderMasker) Prepare(ctx context.Context) error {
	if err := os.MkdirAll(m.outputDir, 0o755); err != nil {
		return &PreconditionError{Phase: models.StageTrim, Reason: "cannot create output directory " + m.outputDir, Err: err}
	}
	return nil
}

// Trim writes a copy of inputPath to the output directory with the header band of every page painted white.
func (m *HeaderMasker) Trim(ctx context.Context, inputPath string) (string, error) {
	out, _, err := m.trim(ctx, inputPath)
	return out, err
}

func (m *HeaderMasker) Process(ctx context.Context, inputPath string) (models.Document, error) {
	stem := stemOf(inputPath)
	doc := models.Document{Stem: stem, Stage: models.StageTrim, SourcePath: inputPath}

	out, pages, err := m.trim(ctx, inputPath)
	if err != nil {
		return doc, &DocumentError{Stem: stem, Op: "mask header", Err: err}
	}
	doc.OutputPath = out
	doc.PageCount = pages
	slog.Info("Header masked.", "phase", models.StageTrim, "stem", stem, "output", out, "pageCount", pages)
	return doc, nil
}

func (m *HeaderMasker) trim(ctx context.Context, inputPath string) (string, int, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return "", 0, &DocumentOpenError{Path: inputPath, Err: err}
	}
	defer f.Close()

	pdfCtx, err := api.ReadContext(f, m.pdfConf)
	if err != nil {
		return "", 0, &DocumentOpenError{Path: inputPath, Err: err}
	}
	if err := api.ValidateContext(pdfCtx); err != nil {
		return "", 0, &DocumentOpenError{Path: inputPath, Err: err}
	}

	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		if err := maskPage(pdfCtx.XRefTable, pageNr, m.headerHeight); err != nil {
			return "", 0, fmt.Errorf("failed to mask page %d: %w", pageNr, err)
		}
	}

	outputPath := filepath.Join(m.outputDir, filepath.Base(inputPath))
	if err := writeContextAtomically(pdfCtx, outputPath); err != nil {
		return "", 0, err
	}
	return outputPath, pdfCtx.PageCount, nil
}

// maskPage wraps the page's existing content in q/Q so its graphics state cannot leak,
// then paints a white rectangle across the top of the visible page area.
func maskPage(xRefTable *model.XRefTable, pageNr int, height float64) error {
	pageDict, _, inh, err := xRefTable.PageDict(pageNr, false)
	if err != nil {
		return err
	}
	if pageDict == nil || inh == nil {
		return fmt.Errorf("page %d not found", pageNr)
	}
	box := inh.MediaBox
	if inh.CropBox != nil {
		box = inh.CropBox
	}
	if box == nil {
		return fmt.Errorf("page %d has no media box", pageNr)
	}

	h := math.Min(height, box.Height())
	band := fmt.Sprintf("Q\nq 1 1 1 rg %.2f %.2f %.2f %.2f re f Q\n", box.LL.X, box.UR.Y-h, box.Width(), h)
	return wrapContents(xRefTable, pageDict, []byte("q\n"), []byte(band))
}

func wrapContents(xRefTable *model.XRefTable, pageDict types.Dict, prefix, suffix []byte) error {
	pre, err := newContentStream(xRefTable, prefix)
	if err != nil {
		return err
	}
	suf, err := newContentStream(xRefTable, suffix)
	if err != nil {
		return err
	}

	contents := types.Array{*pre}
	if obj, found := pageDict.Find("Contents"); found && obj != nil {
		switch o := obj.(type) {
		case types.IndirectRef:
			deref, err := xRefTable.Dereference(o)
			if err != nil {
				return fmt.Errorf("failed to resolve page contents: %w", err)
			}
			if arr, ok := deref.(types.Array); ok {
				contents = append(contents, arr...)
			} else {
				contents = append(contents, o)
			}
		case types.Array:
			contents = append(contents, o...)
		}
	}
	contents = append(contents, *suf)
	pageDict.Update("Contents", contents)
	return nil
}

func newContentStream(xRefTable *model.XRefTable, content []byte) (*types.IndirectRef, error) {
	sd, err := xRefTable.NewStreamDictForBuf(content)
	if err != nil {
		return nil, fmt.Errorf("failed to create content stream: %w", err)
	}
	if err := sd.Encode(); err != nil {
		return nil, fmt.Errorf("failed to encode content stream: %w", err)
	}
	return xRefTable.IndRefForNewObject(*sd)
}

// writeContextAtomically writes to a temporary file next to outputPath and renames it into place,
// so an interrupted write never leaves a truncated PDF behind.
func writeContextAtomically(pdfCtx *model.Context, outputPath string) error {
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".trim-*.pdf")
	if err != nil {
		return fmt.Errorf("failed to create temp output: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := api.WriteContext(pdfCtx, tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write PDF: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp output: %w", err)
	}
	if err := os.Rename(tmp.Name(), outputPath); err != nil {
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	return nil
}
