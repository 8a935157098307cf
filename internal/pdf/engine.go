// Package pdf は抽出済みレコードのPDF結合とアーカイブ化を行います。
package pdf

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/bundle-forge/internal/apperr"
)

const (
	DefaultDocumentExt   = "pdf"
	DefaultAttachmentDir = "attachments"

	MergedFilename  = "answers-overview.pdf"
	ArchiveFilename = "archive.zip"
)

// Options は Engine の設定です。
type Options struct {
	DocumentExt   string // 結合対象の拡張子（ドットなし）
	AttachmentDir string // 結合対象から除外するディレクトリ名
}

// Engine は作業ディレクトリ内のPDFを結合し、全ファイルをzipにまとめます。
type Engine struct {
	documentExt   string
	attachmentDir string
}

// NewEngine は Engine を作成します。
func NewEngine(opts Options) *Engine {
	ext := strings.TrimPrefix(strings.TrimSpace(opts.DocumentExt), ".")
	if ext == "" {
		ext = DefaultDocumentExt
	}
	dir := strings.TrimSpace(opts.AttachmentDir)
	if dir == "" {
		dir = DefaultAttachmentDir
	}
	return &Engine{documentExt: strings.ToLower(ext), attachmentDir: dir}
}

// CollectDocuments は root 配下の結合対象ファイルを走査順（辞書順）で返します。
// 隠しエントリと添付ディレクトリの中は対象外です。
func (e *Engine) CollectDocuments(root string) ([]string, error) {
	var docs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		name := d.Name()
		if isHidden(name) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if name == e.attachmentDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if strings.EqualFold(strings.TrimPrefix(filepath.Ext(name), "."), e.documentExt) {
			docs = append(docs, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return docs, nil
}

// Merge は root 配下のPDFを1つに結合して output に書き出します。
func (e *Engine) Merge(ctx context.Context, root, output string) (*MergeMeta, error) {
	docs, err := e.CollectDocuments(root)
	if err != nil {
		return nil, apperr.New(apperr.CodeMergeFailed, "結合対象の走査に失敗しました", err)
	}
	if len(docs) == 0 {
		return nil, apperr.New(apperr.CodeNoDocumentsFound, fmt.Sprintf("no .%s documents under %s", e.documentExt, root), nil)
	}

	sources := make([]SourceFileMeta, 0, len(docs))
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(doc)
		if err != nil {
			return nil, apperr.New(apperr.CodeMergeFailed, "入力ファイルの確認に失敗しました", err)
		}
		pages, err := pdfapi.PageCountFile(doc)
		if err != nil {
			return nil, apperr.New(apperr.CodeMergeFailed, fmt.Sprintf("%s のページ数を取得できませんでした", filepath.Base(doc)), err)
		}
		rel, _ := filepath.Rel(root, doc)
		sources = append(sources, SourceFileMeta{
			Name:  filepath.ToSlash(rel),
			Size:  info.Size(),
			Pages: pages,
		})
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o750); err != nil {
		return nil, apperr.New(apperr.CodeMergeFailed, "出力ディレクトリの作成に失敗しました", err)
	}
	if len(docs) == 1 {
		err = copyFile(docs[0], output)
	} else {
		err = pdfapi.MergeCreateFile(docs, output, false, nil)
	}
	if err != nil {
		_ = os.Remove(output)
		return nil, apperr.New(apperr.CodeMergeFailed, "PDFの結合に失敗しました", err)
	}

	total, err := pdfapi.PageCountFile(output)
	if err != nil {
		return nil, apperr.New(apperr.CodeMergeFailed, "結合結果のページ数を取得できませんでした", err)
	}
	info, err := os.Stat(output)
	if err != nil {
		return nil, apperr.New(apperr.CodeMergeFailed, "結合結果の確認に失敗しました", err)
	}

	return &MergeMeta{
		Output:     filepath.Base(output),
		OutputSize: info.Size(),
		TotalPages: total,
		Sources:    sources,
	}, nil
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
