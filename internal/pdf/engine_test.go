package pdf

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/bundle-forge/internal/apperr"
	"github.com/yourusername/bundle-forge/internal/testutil"
)

func writeFile(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		t.Fatalf("failed to write %s: %v", rel, err)
	}
}

func TestCollectDocumentsRules(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "b/report.pdf", []byte("x"))
	writeFile(t, root, "a/report.PDF", []byte("x"))
	writeFile(t, root, "a/notes.txt", []byte("x"))
	writeFile(t, root, "a/attachments/scan.pdf", []byte("x"))
	writeFile(t, root, "a/.hidden.pdf", []byte("x"))
	writeFile(t, root, ".index/meta.pdf", []byte("x"))

	docs, err := NewEngine(Options{}).CollectDocuments(root)
	if err != nil {
		t.Fatalf("CollectDocuments returned error: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("unexpected docs: %#v", docs)
	}
	if !strings.HasSuffix(docs[0], filepath.Join("a", "report.PDF")) || !strings.HasSuffix(docs[1], filepath.Join("b", "report.pdf")) {
		t.Fatalf("unexpected order: %#v", docs)
	}
}

func TestCollectDocumentsCustomExtension(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "r/answer.html", []byte("x"))
	writeFile(t, root, "r/report.pdf", []byte("x"))

	docs, err := NewEngine(Options{DocumentExt: ".html"}).CollectDocuments(root)
	if err != nil {
		t.Fatalf("CollectDocuments returned error: %v", err)
	}
	if len(docs) != 1 || filepath.Base(docs[0]) != "answer.html" {
		t.Fatalf("unexpected docs: %#v", docs)
	}
}

func TestMergeConcatenatesDocuments(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "r1/report.pdf", testutil.MinimalPDF(2))
	writeFile(t, root, "r2/report.pdf", testutil.MinimalPDF(3))
	writeFile(t, root, "r2/attachments/scan.pdf", testutil.MinimalPDF(5))

	output := filepath.Join(root, MergedFilename)
	meta, err := NewEngine(Options{}).Merge(context.Background(), root, output)
	if err != nil {
		t.Fatalf("Merge returned error: %v", err)
	}
	if meta.TotalPages != 5 {
		t.Fatalf("unexpected total pages: %d", meta.TotalPages)
	}
	if len(meta.Sources) != 2 || meta.Sources[0].Name != "r1/report.pdf" || meta.Sources[1].Pages != 3 {
		t.Fatalf("unexpected sources: %#v", meta.Sources)
	}

	pages, err := pdfapi.PageCountFile(output)
	if err != nil || pages != 5 {
		t.Fatalf("unexpected merged page count: %d err=%v", pages, err)
	}
}

func TestMergeSingleDocument(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "r1/report.pdf", testutil.MinimalPDF(4))

	output := filepath.Join(root, MergedFilename)
	meta, err := NewEngine(Options{}).Merge(context.Background(), root, output)
	if err != nil {
		t.Fatalf("Merge returned error: %v", err)
	}
	if meta.TotalPages != 4 {
		t.Fatalf("unexpected total pages: %d", meta.TotalPages)
	}
}

func TestMergeNoDocuments(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "r1/attachments/scan.pdf", testutil.MinimalPDF(1))
	writeFile(t, root, "r1/notes.txt", []byte("x"))

	_, err := NewEngine(Options{}).Merge(context.Background(), root, filepath.Join(root, MergedFilename))
	if !errors.Is(err, apperr.ErrNoDocumentsFound) {
		t.Fatalf("expected NoDocumentsFound, got %v", err)
	}
}

func TestMergeCorruptDocument(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "r1/report.pdf", []byte("not a pdf"))

	output := filepath.Join(root, MergedFilename)
	_, err := NewEngine(Options{}).Merge(context.Background(), root, output)
	if !errors.Is(err, apperr.ErrMergeFailed) {
		t.Fatalf("expected MergeFailed, got %v", err)
	}
	if _, statErr := os.Stat(output); !os.IsNotExist(statErr) {
		t.Fatalf("expected no merged output, stat err=%v", statErr)
	}
}

func TestPackageIncludesAttachments(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "r2/report.pdf", []byte("report-2"))
	writeFile(t, root, "r1/report.pdf", []byte("report-1"))
	writeFile(t, root, "r1/attachments/upload.docx", []byte("docx"))
	writeFile(t, root, MergedFilename, []byte("merged"))
	writeFile(t, root, "r1/.DS_Store", []byte("junk"))

	output := filepath.Join(t.TempDir(), ArchiveFilename)
	meta, err := NewEngine(Options{}).Package(context.Background(), root, output)
	if err != nil {
		t.Fatalf("Package returned error: %v", err)
	}

	expected := []string{MergedFilename, "r1/attachments/upload.docx", "r1/report.pdf", "r2/report.pdf"}
	if len(meta.Entries) != len(expected) {
		t.Fatalf("unexpected entries: %#v", meta.Entries)
	}

	zr, err := zip.OpenReader(output)
	if err != nil {
		t.Fatalf("failed to open zip: %v", err)
	}
	defer zr.Close()
	if len(zr.File) != len(expected) {
		t.Fatalf("unexpected zip entry count: %d", len(zr.File))
	}
	for i, f := range zr.File {
		if f.Name != expected[i] {
			t.Fatalf("zip entry %d = %s, want %s", i, f.Name, expected[i])
		}
	}
}

func TestPackageEmptyRoot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".index/attempts_metadata.csv", []byte("x"))

	output := filepath.Join(t.TempDir(), ArchiveFilename)
	_, err := NewEngine(Options{}).Package(context.Background(), root, output)
	if !errors.Is(err, apperr.ErrEmptyArchive) {
		t.Fatalf("expected EmptyArchive, got %v", err)
	}
	if _, statErr := os.Stat(output); !os.IsNotExist(statErr) {
		t.Fatalf("expected no archive, stat err=%v", statErr)
	}
}

func TestWorkspaceLifecycle(t *testing.T) {
	base := t.TempDir()
	ws, err := CreateWorkspace(base, "c-1")
	if err != nil {
		t.Fatalf("CreateWorkspace returned error: %v", err)
	}
	for _, dir := range []string{ws.ArtifactsDir, ws.InDir, ws.OutDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected dir %s: %v", dir, err)
		}
	}
	writeFile(t, ws.InDir, "stale.pdf", []byte("x"))

	again, err := CreateWorkspace(base, "c-1")
	if err != nil {
		t.Fatalf("second CreateWorkspace returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(again.InDir, "stale.pdf")); !os.IsNotExist(err) {
		t.Fatalf("expected stale file to be removed, stat err=%v", err)
	}

	if err := again.Cleanup(); err != nil {
		t.Fatalf("Cleanup returned error: %v", err)
	}
	if err := again.Cleanup(); err != nil {
		t.Fatalf("second Cleanup returned error: %v", err)
	}
	if _, err := os.Stat(again.Dir); !os.IsNotExist(err) {
		t.Fatalf("expected workspace to be removed, stat err=%v", err)
	}

	if _, err := CreateWorkspace(base, "../escape"); err == nil {
		t.Fatal("expected invalid id to be rejected")
	}
}

func TestReportProgressClamps(t *testing.T) {
	var got []int
	cb := func(stage string, percent int) { got = append(got, percent) }
	ReportProgress(cb, StageMerge, -5)
	ReportProgress(cb, StageMerge, 150)
	ReportProgress(nil, StageMerge, 50)
	if len(got) != 2 || got[0] != 0 || got[1] != 100 {
		t.Fatalf("unexpected progress: %#v", got)
	}
}
