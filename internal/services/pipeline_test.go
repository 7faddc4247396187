package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Lllllllleong/pdf2epub/internal/models"
)

// fakeStage records the documents it processed into a shared journal.
type fakeStage struct {
	phase      models.Stage
	dir        string
	ext        string
	prepareErr error
	failFor    map[string]bool
	journal    *[]string
	mu         *sync.Mutex
}

func (s *fakeStage) Phase() models.Stage { return s.phase }
func (s *fakeStage) InputDir() string    { return s.dir }
func (s *fakeStage) Extension() string   { return s.ext }

func (s *fakeStage) Prepare(ctx context.Context) error {
	s.mu.Lock()
	*s.journal = append(*s.journal, string(s.phase)+":prepare")
	s.mu.Unlock()
	return s.prepareErr
}

func (s *fakeStage) Process(ctx context.Context, path string) (models.Document, error) {
	stem := stemOf(path)
	s.mu.Lock()
	*s.journal = append(*s.journal, string(s.phase)+":"+filepath.Base(path))
	s.mu.Unlock()
	doc := models.Document{Stem: stem, Stage: s.phase, SourcePath: path}
	if s.failFor[stem] {
		return doc, &DocumentError{Stem: stem, Op: "process", Err: errors.New("boom")}
	}
	return doc, nil
}

type memoryManifest struct {
	mu   sync.Mutex
	docs []models.Document
	err  error
}

func (m *memoryManifest) Record(ctx context.Context, doc models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, doc)
	return m.err
}

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func newFakeStages(root string) (*[]string, []*fakeStage) {
	journal := &[]string{}
	mu := &sync.Mutex{}
	stages := []*fakeStage{
		{phase: models.StageTrim, dir: filepath.Join(root, "raw"), ext: ".pdf", journal: journal, mu: mu},
		{phase: models.StageOCR, dir: filepath.Join(root, "trim"), ext: ".pdf", journal: journal, mu: mu},
		{phase: models.StageEpub, dir: filepath.Join(root, "ocr"), ext: ".md", journal: journal, mu: mu},
	}
	return journal, stages
}

func asStages(fakes []*fakeStage) []Stage {
	stages := make([]Stage, len(fakes))
	for i, f := range fakes {
		stages[i] = f
	}
	return stages
}

func TestPipeline_RunsPhasesInOrder(t *testing.T) {
	root := t.TempDir()
	journal, fakes := newFakeStages(root)
	touch(t, fakes[0].dir, "b.pdf", "a.pdf", "notes.txt")
	touch(t, fakes[1].dir, "a.pdf")
	touch(t, fakes[2].dir, "a.md")
	if err := os.Mkdir(filepath.Join(fakes[0].dir, "nested.pdf"), 0o755); err != nil {
		t.Fatal(err)
	}

	reports := NewPipeline(asStages(fakes), 1, nil).Run(context.Background())

	want := []string{
		"trim:prepare", "trim:a.pdf", "trim:b.pdf",
		"ocr:prepare", "ocr:a.pdf",
		"epub:prepare", "epub:a.md",
	}
	if len(*journal) != len(want) {
		t.Fatalf("journal = %v, want %v", *journal, want)
	}
	for i := range want {
		if (*journal)[i] != want[i] {
			t.Fatalf("journal = %v, want %v", *journal, want)
		}
	}
	if len(reports) != 3 || reports[0].Found != 2 || reports[0].Succeeded != 2 {
		t.Fatalf("unexpected reports %+v", reports)
	}
}

func TestPipeline_MissingInputDirIsNotFatal(t *testing.T) {
	root := t.TempDir()
	journal, fakes := newFakeStages(root)
	touch(t, fakes[2].dir, "a.md")

	reports := NewPipeline(asStages(fakes), 1, nil).Run(context.Background())

	for _, r := range reports[:2] {
		if !errors.Is(r.Err, ErrInputDirMissing) {
			t.Fatalf("phase %s: expected ErrInputDirMissing, got %v", r.Phase, r.Err)
		}
	}
	if reports[2].Err != nil || reports[2].Succeeded != 1 {
		t.Fatalf("expected epub phase to run, got %+v", reports[2])
	}
	if len(*journal) != 2 || (*journal)[1] != "epub:a.md" {
		t.Fatalf("unexpected journal %v", *journal)
	}
}

func TestPipeline_EmptyPhaseSkipsPrepare(t *testing.T) {
	logs := captureLogs(t)
	root := t.TempDir()
	journal, fakes := newFakeStages(root)
	touch(t, fakes[0].dir)

	report, err := NewPipeline(asStages(fakes), 1, nil).RunPhase(context.Background(), models.StageTrim)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Err != nil || report.Found != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(*journal) != 0 {
		t.Fatalf("expected nothing to run, got %v", *journal)
	}
	if !strings.Contains(logs.String(), "phase setup skipped") {
		t.Fatalf("expected the skipped setup to be logged, got:\n%s", logs.String())
	}
}

func TestPipeline_PreconditionAbortsOnlyThatPhase(t *testing.T) {
	root := t.TempDir()
	journal, fakes := newFakeStages(root)
	touch(t, fakes[1].dir, "a.pdf")
	touch(t, fakes[2].dir, "a.md")
	fakes[1].prepareErr = &PreconditionError{Phase: models.StageOCR, Reason: "MISTRAL_API_KEY is not set"}

	reports := NewPipeline(asStages(fakes), 1, nil).Run(context.Background())

	var pre *PreconditionError
	if !errors.As(reports[1].Err, &pre) {
		t.Fatalf("expected PreconditionError, got %v", reports[1].Err)
	}
	want := []string{"ocr:prepare", "epub:prepare", "epub:a.md"}
	if len(*journal) != len(want) {
		t.Fatalf("journal = %v, want %v", *journal, want)
	}
	for i := range want {
		if (*journal)[i] != want[i] {
			t.Fatalf("journal = %v, want %v", *journal, want)
		}
	}
}

func TestPipeline_DocumentFailuresAreCountedAndRecorded(t *testing.T) {
	for _, concurrency := range []int{1, 4} {
		root := t.TempDir()
		_, fakes := newFakeStages(root)
		touch(t, fakes[0].dir, "a.pdf", "b.pdf", "c.pdf")
		fakes[0].failFor = map[string]bool{"b": true}
		manifest := &memoryManifest{err: errors.New("firestore unavailable")}

		p := NewPipeline(asStages(fakes[:1]), concurrency, manifest)
		report, err := p.RunPhase(context.Background(), models.StageTrim)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if report.Found != 3 || report.Succeeded != 2 || report.Failed != 1 {
			t.Fatalf("concurrency %d: unexpected report %+v", concurrency, report)
		}

		if len(manifest.docs) != 3 {
			t.Fatalf("expected one manifest record per document, got %d", len(manifest.docs))
		}
		runID := manifest.docs[0].RunID
		for _, doc := range manifest.docs {
			if doc.RunID == "" || doc.RunID != runID {
				t.Fatalf("expected a shared run id, got %+v", doc)
			}
			if doc.UpdatedAt.IsZero() {
				t.Fatalf("expected timestamp on %+v", doc)
			}
			wantStatus := models.StatusSucceeded
			if doc.Stem == "b" {
				wantStatus = models.StatusFailed
				if doc.ErrorDetails == "" {
					t.Fatal("expected error details on the failed record")
				}
			}
			if doc.Status != wantStatus {
				t.Fatalf("stem %s: status = %s, want %s", doc.Stem, doc.Status, wantStatus)
			}
		}
	}
}

func TestPipeline_OCRPhaseReleasesEveryUpload(t *testing.T) {
	for _, concurrency := range []int{1, 3} {
		client := &fakeOCRClient{
			pagesFor: map[string][]models.Page{
				"file-a.pdf": reportPages(),
				"file-c.pdf": {{Markdown: "![x](broken.png)", Images: []models.EmbeddedImage{{ID: "broken.png", Data: "%%%"}}}},
			},
			failFor: map[string]error{"file-b.pdf": errors.New("unsupported document")},
		}
		o, trimDir, ocrDir := newTestOrchestrator(t, client)
		for _, name := range []string{"a.pdf", "b.pdf", "c.pdf"} {
			writeInput(t, trimDir, name)
		}
		manifest := &memoryManifest{}

		report, err := NewPipeline([]Stage{o}, concurrency, manifest).RunPhase(context.Background(), models.StageOCR)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if report.Found != 3 || report.Succeeded != 2 || report.Failed != 1 {
			t.Fatalf("concurrency %d: unexpected report %+v", concurrency, report)
		}
		if client.uploads != 3 || client.processes != 3 {
			t.Fatalf("expected every document to be attempted, got uploads=%d processes=%d", client.uploads, client.processes)
		}

		if len(client.deletes) != client.uploads {
			t.Fatalf("expected one delete per upload, got uploads=%d deletes=%v", client.uploads, client.deletes)
		}
		released := map[string]int{}
		for _, h := range client.deletes {
			released[h]++
		}
		for _, h := range []string{"file-a.pdf", "file-b.pdf", "file-c.pdf"} {
			if released[h] != 1 {
				t.Fatalf("handle %s released %d times", h, released[h])
			}
		}

		for name, wantExists := range map[string]bool{"a.md": true, "b.md": false, "c.md": true} {
			_, err := os.Stat(filepath.Join(ocrDir, name))
			if exists := err == nil; exists != wantExists {
				t.Fatalf("%s exists = %v, want %v", name, exists, wantExists)
			}
		}

		statuses := map[string]string{}
		for _, doc := range manifest.docs {
			statuses[doc.Stem] = doc.Status
		}
		want := map[string]string{"a": models.StatusSucceeded, "b": models.StatusFailed, "c": models.StatusPartial}
		for stem, status := range want {
			if statuses[stem] != status {
				t.Fatalf("stem %s: status = %q, want %q", stem, statuses[stem], status)
			}
		}
	}
}

func TestPipeline_UnknownPhase(t *testing.T) {
	if _, err := NewPipeline(nil, 1, nil).RunPhase(context.Background(), models.Stage("index")); err == nil {
		t.Fatal("expected error for unknown phase")
	}
}

func TestStemOf(t *testing.T) {
	tests := map[string]string{
		"raw/report.pdf":    "report",
		"ocr/report.md":     "report",
		"trim/my.paper.pdf": "my.paper",
		"trim/no-extension": "no-extension",
	}
	for in, want := range tests {
		if got := stemOf(in); got != want {
			t.Errorf("stemOf(%q) = %q, want %q", in, got, want)
		}
	}
}
