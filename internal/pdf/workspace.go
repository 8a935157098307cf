package pdf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Workspace は1コレクション分の作業ディレクトリです。
//
//	<base>/collections/<id>/artifacts  取得した成果物
//	<base>/collections/<id>/in         抽出したレコードと結合PDF
//	<base>/collections/<id>/out        アーカイブ
type Workspace struct {
	ID           string
	Dir          string
	ArtifactsDir string
	InDir        string
	OutDir       string

	cleanupOnce sync.Once
	cleanupErr  error
}

// CreateWorkspace は作業ディレクトリを作り直します。前回の残骸があれば削除します。
func CreateWorkspace(baseDir, id string) (*Workspace, error) {
	if strings.TrimSpace(id) == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, fmt.Errorf("invalid workspace id: %q", id)
	}
	dir := filepath.Join(baseDir, "collections", id)
	if err := removeDir(dir); err != nil {
		return nil, fmt.Errorf("既存の作業ディレクトリを削除できませんでした: %w", err)
	}
	ws := &Workspace{
		ID:           id,
		Dir:          dir,
		ArtifactsDir: filepath.Join(dir, "artifacts"),
		InDir:        filepath.Join(dir, "in"),
		OutDir:       filepath.Join(dir, "out"),
	}
	for _, d := range []string{ws.ArtifactsDir, ws.InDir, ws.OutDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			_ = removeDir(dir)
			return nil, fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
		}
	}
	return ws, nil
}

// MergedPath は結合PDFの出力先です。
func (w *Workspace) MergedPath() string {
	return filepath.Join(w.InDir, MergedFilename)
}

// ArchivePath はアーカイブの出力先です。
func (w *Workspace) ArchivePath() string {
	return filepath.Join(w.OutDir, ArchiveFilename)
}

// Cleanup は作業ディレクトリを削除します。複数回呼んでも安全です。
func (w *Workspace) Cleanup() error {
	if w == nil {
		return nil
	}
	w.cleanupOnce.Do(func() {
		w.cleanupErr = removeDir(w.Dir)
	})
	return w.cleanupErr
}

func removeDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
