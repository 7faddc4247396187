package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Lllllllleong/pdf2epub/internal/config"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// buildTestPDF returns a minimal PDF with the given number of 612x792 pages.
// Each page draws a black square well below the header band.
func buildTestPDF(t *testing.T, pages int) []byte {
	t.Helper()

	var buf bytes.Buffer
	var offsets []int
	writeObj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	kids := make([]string, pages)
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 3+2*i)
	}
	writeObj("<< /Type /Catalog /Pages 2 0 R >>")
	writeObj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pages))
	for i := range pages {
		content := "0 0 0 rg 100 100 200 200 re f"
		writeObj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> /Contents %d 0 R >>", 4+2*i))
		writeObj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func newTestMasker(t *testing.T) (*HeaderMasker, string, string) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		RawDir:       filepath.Join(root, "raw"),
		TrimDir:      filepath.Join(root, "trim"),
		HeaderHeight: 55,
	}
	if err := os.MkdirAll(cfg.RawDir, 0o755); err != nil {
		t.Fatal(err)
	}
	m := NewHeaderMasker(cfg)
	if err := m.Prepare(context.Background()); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return m, cfg.RawDir, cfg.TrimDir
}

func TestHeaderMasker_Trim(t *testing.T) {
	m, rawDir, trimDir := newTestMasker(t)
	input := filepath.Join(rawDir, "report.pdf")
	if err := os.WriteFile(input, buildTestPDF(t, 2), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := m.Trim(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != filepath.Join(trimDir, "report.pdf") {
		t.Fatalf("unexpected output path %s", out)
	}

	pageCount, err := api.PageCountFile(out)
	if err != nil {
		t.Fatalf("page count: %v", err)
	}
	if pageCount != 2 {
		t.Fatalf("expected 2 pages, got %d", pageCount)
	}

	contentDir := t.TempDir()
	if err := api.ExtractContentFile(out, contentDir, nil, nil); err != nil {
		t.Fatalf("extract content: %v", err)
	}
	entries, err := os.ReadDir(contentDir)
	if err != nil {
		t.Fatal(err)
	}
	var all strings.Builder
	for _, e := range entries {
		b, err := os.ReadFile(filepath.Join(contentDir, e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		all.Write(b)
	}
	extracted := all.String()

	band := "1 1 1 rg 0.00 737.00 612.00 55.00 re f"
	if got := strings.Count(extracted, band); got != 2 {
		t.Fatalf("expected the header band on both pages, found %d in:\n%s", got, extracted)
	}
	if got := strings.Count(extracted, "100 100 200 200 re f"); got != 2 {
		t.Fatalf("expected original content below the band to be kept, found %d", got)
	}
	if _, err := os.Stat(input); err != nil {
		t.Fatalf("expected input to be left in place: %v", err)
	}
}

func TestHeaderMasker_CorruptInput(t *testing.T) {
	m, rawDir, trimDir := newTestMasker(t)
	input := filepath.Join(rawDir, "notes.pdf")
	if err := os.WriteFile(input, []byte("this is not a pdf"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := m.Trim(context.Background(), input)
	var openErr *DocumentOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected DocumentOpenError, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(trimDir, "notes.pdf")); !os.IsNotExist(err) {
		t.Fatalf("expected no output for corrupt input, got err=%v", err)
	}

	_, err = m.Process(context.Background(), input)
	var docErr *DocumentError
	if !errors.As(err, &docErr) || docErr.Stem != "notes" {
		t.Fatalf("expected DocumentError for notes, got %v", err)
	}
}

func TestHeaderMasker_PrepareFailure(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "trim")
	if err := os.WriteFile(blocker, []byte("file in the way"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewHeaderMasker(&config.Config{RawDir: root, TrimDir: filepath.Join(blocker, "sub"), HeaderHeight: 55})

	var pre *PreconditionError
	if err := m.Prepare(context.Background()); !errors.As(err, &pre) {
		t.Fatalf("expected PreconditionError, got %v", err)
	}
}
