// Package testutil はテスト用のアーティファクトやPDFを生成します。
package testutil

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// File は tar.gz に格納するファイルです。
type File struct {
	Name string
	Body []byte
}

// Record はメタデータCSVの1行と、そのレコードのファイル群です。
type Record struct {
	ID    string
	Path  string
	Files map[string][]byte // Path からの相対パス
}

// 現行形式と旧形式のメタデータ10列目
const (
	CurrentPathColumn = "path"
	LegacyPathColumn  = "report_filename"
)

// WriteTarGz は files を格納した tar.gz を path に書き出します。
func WriteTarGz(t testing.TB, path string, files []File) {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		hdr := &tar.Header{
			Name:     f.Name,
			Mode:     0o644,
			Size:     int64(len(f.Body)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("failed to write tar header %s: %v", f.Name, err)
		}
		if _, err := tw.Write(f.Body); err != nil {
			t.Fatalf("failed to write tar body %s: %v", f.Name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("failed to close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("failed to close gzip: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}
}

// MetadataCSV はヘッダー10列目を column9 にしたメタデータCSVを返します。
func MetadataCSV(column9 string, records []Record) []byte {
	var b strings.Builder
	b.WriteString("attemptid,userid,username,firstname,lastname,timestart,timefinish,attempt,state," + column9 + "\n")
	for _, r := range records {
		fmt.Fprintf(&b, "%s,7,student,First,Last,1700000000,1700000600,1,finished,%s\n", r.ID, r.Path)
	}
	return []byte(b.String())
}

// BuildArtifact はメタデータCSVとレコードのファイルを含む成果物を書き出します。
func BuildArtifact(t testing.TB, path, column9 string, records []Record) {
	t.Helper()
	files := []File{{Name: "attempts_metadata.csv", Body: MetadataCSV(column9, records)}}
	for _, r := range records {
		base := strings.TrimLeft(r.Path, "/")
		names := make([]string, 0, len(r.Files))
		for name := range r.Files {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			files = append(files, File{Name: base + "/" + name, Body: r.Files[name]})
		}
	}
	WriteTarGz(t, path, files)
}

// MinimalPDF は指定ページ数の白紙PDFを返します。
func MinimalPDF(pages int) []byte {
	if pages < 1 {
		pages = 1
	}
	var buf bytes.Buffer
	var offsets []int
	writeObj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	writeObj("<< /Type /Catalog /Pages 2 0 R >>")
	kids := make([]string, pages)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	writeObj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pages))
	for i := 0; i < pages; i++ {
		writeObj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>")
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
