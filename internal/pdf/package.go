package pdf

import (
	"compress/flate"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/mholt/archiver"

	"github.com/yourusername/bundle-forge/internal/apperr"
)

// Package は root 配下の隠しファイル以外すべて（添付を含む）を output のzipにまとめます。
// エントリ名は root からのスラッシュ区切り相対パスで、辞書順に格納されます。
func (e *Engine) Package(ctx context.Context, root, output string) (_ *PackageMeta, err error) {
	files, err := collectFiles(root)
	if err != nil {
		return nil, apperr.New(apperr.CodePackagingFailed, "アーカイブ対象の走査に失敗しました", err)
	}
	if len(files) == 0 {
		return nil, apperr.New(apperr.CodeEmptyArchive, fmt.Sprintf("no files to package under %s", root), nil)
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o750); err != nil {
		return nil, apperr.New(apperr.CodePackagingFailed, "出力ディレクトリの作成に失敗しました", err)
	}
	outFile, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, apperr.New(apperr.CodePackagingFailed, "zipファイルの作成に失敗しました", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(output)
		}
	}()

	z := &archiver.Zip{
		CompressionLevel:     flate.DefaultCompression,
		MkdirAll:             true,
		SelectiveCompression: true,
	}
	if err := z.Create(outFile); err != nil {
		outFile.Close()
		return nil, apperr.New(apperr.CodePackagingFailed, "zipの初期化に失敗しました", err)
	}

	var total int64
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			z.Close()
			outFile.Close()
			return nil, err
		}
		size, werr := writeZipEntry(z, root, name)
		if werr != nil {
			z.Close()
			outFile.Close()
			return nil, apperr.New(apperr.CodePackagingFailed, fmt.Sprintf("%s の書き込みに失敗しました", name), werr)
		}
		total += size
	}

	if err := z.Close(); err != nil {
		outFile.Close()
		return nil, apperr.New(apperr.CodePackagingFailed, "zipの書き込みに失敗しました", err)
	}
	if err := outFile.Close(); err != nil {
		return nil, apperr.New(apperr.CodePackagingFailed, "zipファイルのクローズに失敗しました", err)
	}

	info, err := os.Stat(output)
	if err != nil {
		return nil, apperr.New(apperr.CodePackagingFailed, "zipファイルの確認に失敗しました", err)
	}

	return &PackageMeta{
		Output:     filepath.Base(output),
		OutputSize: info.Size(),
		InputSize:  total,
		Entries:    files,
	}, nil
}

// collectFiles は root 配下の通常ファイルをスラッシュ区切り相対パスで返します。
func collectFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func writeZipEntry(z *archiver.Zip, root, name string) (int64, error) {
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(name)))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	err = z.Write(archiver.File{
		FileInfo:   entryInfo{FileInfo: info, name: name},
		ReadCloser: f,
	})
	return info.Size(), err
}

// entryInfo はzipヘッダーの名前を相対パスにするための FileInfo です。
type entryInfo struct {
	os.FileInfo
	name string
}

func (i entryInfo) Name() string { return i.name }
