// Package artifact はジョブ成果物（tar.gz）から特定レコードのファイルだけを取り出します。
package artifact

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/mholt/archiver"
)

// Entry はアーカイブ内のエントリです。
type Entry struct {
	Path  string
	Size  int64
	IsDir bool
}

// Repository はアーカイブを展開せずに扱うための操作です。
type Repository interface {
	// ExtractEntry は名前が完全一致するエントリだけを destDir に書き出します。
	ExtractEntry(ctx context.Context, artifactPath, entryName, destDir string) error
	// ListEntries はエントリ一覧を返します（中身は読みません）。
	ListEntries(ctx context.Context, artifactPath string) ([]Entry, error)
	// ExtractEntries は指定したエントリを destDir 配下に元のパスで書き出します。
	ExtractEntries(ctx context.Context, artifactPath string, names []string, destDir string) error
}

// TarGzRepository は mholt/archiver を使った tar.gz 実装です。
type TarGzRepository struct{}

// NewTarGzRepository は TarGzRepository を作成します。
func NewTarGzRepository() *TarGzRepository {
	return &TarGzRepository{}
}

// ExtractEntry は単一エントリを展開します。エントリが存在しない場合はエラーです。
func (r *TarGzRepository) ExtractEntry(ctx context.Context, artifactPath, entryName, destDir string) error {
	if err := ensureGzip(artifactPath); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	entryName = normalizeEntryName(entryName)
	if entryName == "" {
		return fmt.Errorf("entry name is required")
	}

	tgz := archiver.NewTarGz()
	tgz.OverwriteExisting = true
	if err := tgz.Extract(artifactPath, entryName, destDir); err != nil {
		return fmt.Errorf("failed to extract %s: %w", entryName, err)
	}

	// Extract は対象が見つからなくても成功を返すため、書き出し結果を確認する
	// 単一ファイルはディレクトリ部分を除いた名前で書き出される
	if _, err := os.Stat(filepath.Join(destDir, path.Base(entryName))); err != nil {
		return fmt.Errorf("entry %s not found in artifact: %w", entryName, err)
	}
	return nil
}

// ListEntries はエントリ一覧を返します。
func (r *TarGzRepository) ListEntries(ctx context.Context, artifactPath string) ([]Entry, error) {
	if err := ensureGzip(artifactPath); err != nil {
		return nil, err
	}

	var entries []Entry
	err := archiver.NewTarGz().Walk(artifactPath, func(f archiver.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries = append(entries, Entry{
			Path:  entryPath(f),
			Size:  f.Size(),
			IsDir: f.IsDir(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list artifact: %w", err)
	}
	return entries, nil
}

// ExtractEntries は names に含まれる通常ファイルを一度の走査で書き出します。
func (r *TarGzRepository) ExtractEntries(ctx context.Context, artifactPath string, names []string, destDir string) error {
	if err := ensureGzip(artifactPath); err != nil {
		return err
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[normalizeEntryName(n)] = false
	}

	err := archiver.NewTarGz().Walk(artifactPath, func(f archiver.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := normalizeEntryName(entryPath(f))
		done, ok := wanted[name]
		if !ok || done || f.IsDir() {
			return nil
		}
		target, err := safeJoin(destDir, name)
		if err != nil {
			return err
		}
		if err := writeEntry(target, f); err != nil {
			return err
		}
		wanted[name] = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to extract entries: %w", err)
	}

	for name, done := range wanted {
		if !done {
			return fmt.Errorf("entry %s not found in artifact", name)
		}
	}
	return nil
}

func ensureGzip(artifactPath string) error {
	mtype, err := mimetype.DetectFile(artifactPath)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	if !mtype.Is("application/gzip") {
		return fmt.Errorf("artifact is not a gzip archive: %s", mtype.String())
	}
	return nil
}

func entryPath(f archiver.File) string {
	if th, ok := f.Header.(*tar.Header); ok {
		return th.Name
	}
	return f.Name()
}

func normalizeEntryName(name string) string {
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimLeft(name, "/")
	if name == "" {
		return ""
	}
	return path.Clean(name)
}

func safeJoin(root, name string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %s escapes destination", name)
	}
	return target, nil
}

func writeEntry(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("failed to create dir for %s: %w", target, err)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return out.Close()
}
